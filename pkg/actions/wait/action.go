// Package wait provides the wait action: pauses execution for a fixed
// number of seconds, honoring context cancellation.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (*Handler) Type() models.ActionType {
	return models.ActionWait
}

func (*Handler) Execute(ctx context.Context, action models.Action, _ *protocol.Scope) (map[string]any, error) {
	if action.Duration <= 0 {
		return nil, fmt.Errorf("invalid wait duration %d", action.Duration)
	}

	duration := time.Duration(action.Duration) * time.Second

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]any{"waited_seconds": action.Duration}, nil
}
