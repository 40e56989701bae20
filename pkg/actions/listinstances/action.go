// Package listinstances provides the list_instances action.
package listinstances

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
	return models.ActionListInstances
}

func (h *Handler) Execute(ctx context.Context, _ models.Action, _ *protocol.Scope) (map[string]any, error) {
	instances, err := h.bridge.List(ctx)
	if err != nil {
		return nil, err
	}

	listed := make([]map[string]any, 0, len(instances))
	for _, instance := range instances {
		listed = append(listed, map[string]any{
			"instance_id": instance.ID,
			"role":        instance.Role,
			"status":      instance.Status,
		})
	}

	return map[string]any{"instances": listed}, nil
}
