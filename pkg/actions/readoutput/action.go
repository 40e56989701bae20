// Package readoutput provides the read_output action: captures a session's
// recent output through the bridge.
package readoutput

import (
	"context"

	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

const defaultLines = 50

type Handler struct {
	bridge bridge.Bridge
}

func NewHandler(b bridge.Bridge) *Handler {
	return &Handler{bridge: b}
}

func (*Handler) Type() models.ActionType {
	return models.ActionReadOutput
}

func (h *Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	instanceID, err := scope.Store.ResolveSession(action.Target, scope.ImplicitSession)
	if err != nil {
		return nil, err
	}

	lines := action.Lines
	if lines <= 0 {
		lines = defaultLines
	}

	output, err := h.bridge.Read(ctx, instanceID, lines)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"instance_id": instanceID,
		"output":      output,
	}, nil
}
