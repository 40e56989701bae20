// Package blankstate provides the return_to_blank_state action: notifies a
// session that the engine is ready for new work and marks it idle. Delivery
// failures are logged but never fail the action, since the session may be
// between tasks or restarting.
package blankstate

import (
	"context"

	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

const readyNotice = "The orchestrator is ready for your next task. Reply when you have new work."

type Handler struct {
	bridge bridge.Bridge
}

func NewHandler(b bridge.Bridge) *Handler {
	return &Handler{bridge: b}
}

func (*Handler) Type() models.ActionType {
	return models.ActionReturnToBlankState
}

func (h *Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	instanceID, err := scope.Store.ResolveSession(action.Target, scope.ImplicitSession)
	if err != nil {
		return nil, err
	}

	notice := action.Message
	if notice == "" {
		notice = readyNotice
	} else {
		notice = scope.Store.Interpolate(notice)
	}

	delivered := true
	if err := h.bridge.Send(ctx, instanceID, notice); err != nil {
		delivered = false
		scope.Logger.WarnContext(ctx, "Blank state notice delivery failed",
			"instance_id", instanceID,
			"error", err,
		)
	}

	scope.Store.UpdateSession(instanceID, func(info *models.SessionInfo) {
		info.State = models.SessionStateIdle
		info.Stage = ""
	})

	return map[string]any{
		"instance_id": instanceID,
		"delivered":   delivered,
	}, nil
}
