// Package terminate provides the terminate action: destroys a session
// through the bridge and marks it dead in the context store.
package terminate

import (
	"context"

	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type Handler struct {
	bridge bridge.Bridge
}

func NewHandler(b bridge.Bridge) *Handler {
	return &Handler{bridge: b}
}

func (*Handler) Type() models.ActionType {
	return models.ActionTerminate
}

func (h *Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	instanceID, err := scope.Store.ResolveSession(action.Target, scope.ImplicitSession)
	if err != nil {
		return nil, err
	}

	if err := h.bridge.Terminate(ctx, instanceID); err != nil {
		return nil, err
	}

	scope.Store.UpdateSession(instanceID, func(info *models.SessionInfo) {
		info.State = models.SessionStateDead
	})

	return map[string]any{
		"instance_id": instanceID,
		"terminated":  true,
	}, nil
}
