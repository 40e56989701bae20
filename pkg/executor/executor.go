// Package executor runs single declarative actions: it resolves the handler,
// builds the per-invocation scope and records named results.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmux/agentmux/pkg/contextstore"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/registry"
)

// ActionError wraps a handler failure with the action's identity so callers
// can report which step of a stage broke.
type ActionError struct {
	Type models.ActionType
	Name string
	Err  error
}

func (e *ActionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("action %s (%s): %s", e.Type, e.Name, e.Err)
	}

	return fmt.Sprintf("action %s: %s", e.Type, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

type Executor struct {
	registry *registry.Registry
	store    *contextstore.Store
	logger   *slog.Logger
}

func NewExecutor(reg *registry.Registry, store *contextstore.Store, logger *slog.Logger) *Executor {
	return &Executor{
		registry: reg,
		store:    store,
		logger:   logger.With("module", "executor"),
	}
}

// Execute dispatches one action to its handler. implicitSession is the
// fallback target used when the action names none and no current session is
// bound. Named results are recorded in the context store under
// results.<name> regardless of the action type.
func (e *Executor) Execute(ctx context.Context, action models.Action, implicitSession string) (map[string]any, error) {
	handler, err := e.registry.HandlerFor(action.Type)
	if err != nil {
		return nil, err
	}

	scope := &protocol.Scope{
		Store:           e.store,
		Logger:          e.logger,
		ImplicitSession: implicitSession,
	}

	e.logger.DebugContext(ctx, "Executing action",
		"type", action.Type,
		"name", action.Name,
	)

	result, err := handler.Execute(ctx, action, scope)
	if err != nil {
		return nil, &ActionError{Type: action.Type, Name: action.Name, Err: err}
	}

	if action.Name != "" {
		e.store.SetActionResult(action.Name, result)
	}

	return result, nil
}
