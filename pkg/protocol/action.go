// Package protocol defines the contracts between the orchestration engine,
// the action registry and the individual action handlers.
package protocol

import (
	"context"
	"log/slog"

	"github.com/agentmux/agentmux/pkg/contextstore"
	"github.com/agentmux/agentmux/pkg/models"
)

// Scope carries the per-invocation collaborators of an action handler.
type Scope struct {
	Store  *contextstore.Store
	Logger *slog.Logger

	// ImplicitSession is the caller-supplied fallback target, used when the
	// action names no target and no current session is bound.
	ImplicitSession string
}

// ActionHandler executes one declarative action kind. Handlers are stateless
// with respect to runs; per-run state lives in the scope's context store.
type ActionHandler interface {
	Type() models.ActionType
	Execute(ctx context.Context, action models.Action, scope *Scope) (map[string]any, error)
}
