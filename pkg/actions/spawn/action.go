// Package spawn provides the spawn_agent action: creates a new agent session
// through the bridge and binds it as the current session.
package spawn

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
	return models.ActionSpawnAgent
}

func (h *Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	settings := scope.Store.Settings()

	role := action.Role
	if role == "" {
		role = settings.InstanceRole
	}

	instance, err := h.bridge.Spawn(ctx, bridge.SpawnParams{
		Role:          role,
		WorkspaceMode: settings.WorkspaceMode,
	})
	if err != nil {
		return nil, err
	}

	scope.Store.TrackSession(&models.SessionInfo{
		ID:        instance.ID,
		Role:      role,
		Workspace: instance.Workspace,
	})
	scope.Store.Set("instances."+role, instance.ID)
	scope.Store.Set("current_session_id", instance.ID)

	scope.Logger.InfoContext(ctx, "Spawned agent session",
		"instance_id", instance.ID,
		"role", role,
	)

	return map[string]any{
		"instance_id": instance.ID,
		"role":        role,
	}, nil
}
