// Package send provides the send_prompt action: interpolates a prompt and
// delivers it to a session through the bridge.
package send

import (
	"context"
	"errors"

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
	return models.ActionSendPrompt
}

func (h *Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	if action.Prompt == "" {
		return nil, errors.New("send_prompt requires a prompt")
	}

	instanceID, err := scope.Store.ResolveSession(action.Target, scope.ImplicitSession)
	if err != nil {
		return nil, err
	}

	prompt := scope.Store.Interpolate(action.Prompt)

	if err := h.bridge.Send(ctx, instanceID, prompt); err != nil {
		return nil, err
	}

	return map[string]any{
		"instance_id": instanceID,
		"sent":        true,
	}, nil
}
