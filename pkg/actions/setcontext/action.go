// Package setcontext provides the set_context action: writes an interpolated
// value under a dot path in the context store.
package setcontext

import (
	"context"
	"errors"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (*Handler) Type() models.ActionType {
	return models.ActionSetContext
}

func (*Handler) Execute(_ context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	if action.Key == "" {
		return nil, errors.New("set_context requires a key")
	}

	key := scope.Store.Interpolate(action.Key)

	var value any = action.Value
	if str, ok := action.Value.(string); ok {
		value = scope.Store.Interpolate(str)
	}

	scope.Store.Set(key, value)

	return map[string]any{
		"key":   key,
		"value": value,
	}, nil
}
