// Package registry dispatches declarative actions to their registered
// handlers by discriminator.
package registry

import (
	"log/slog"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type Registry struct {
	logger   *slog.Logger
	handlers map[models.ActionType]protocol.ActionHandler
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[models.ActionType]protocol.ActionHandler),
	}
}

func (r *Registry) RegisterAction(handler protocol.ActionHandler) {
	r.handlers[handler.Type()] = handler
}

// HandlerFor resolves the handler for an action type. Unknown discriminators
// are an explicit error, never a silent no-op.
func (r *Registry) HandlerFor(actionType models.ActionType) (protocol.ActionHandler, error) {
	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, &models.UnknownActionError{Type: actionType}
	}

	return handler, nil
}

// ActionTypes returns the registered discriminators.
func (r *Registry) ActionTypes() []models.ActionType {
	types := make([]models.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}
