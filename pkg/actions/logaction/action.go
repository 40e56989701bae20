// Package logaction provides the log action: emits an interpolated message
// through the run's structured logger.
package logaction

import (
	"context"
	"log/slog"
	"strings"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (*Handler) Type() models.ActionType {
	return models.ActionLog
}

func (*Handler) Execute(ctx context.Context, action models.Action, scope *protocol.Scope) (map[string]any, error) {
	message := scope.Store.Interpolate(action.Message)

	scope.Logger.LogAttrs(ctx, parseLevel(action.Level), message,
		slog.String("run_id", scope.Store.RunID()),
	)

	return map[string]any{"message": message}, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
