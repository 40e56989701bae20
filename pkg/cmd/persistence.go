package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmux/agentmux/pkg/persistence"
	"github.com/agentmux/agentmux/pkg/persistence/file"
	"github.com/agentmux/agentmux/pkg/persistence/postgresql"
	"github.com/agentmux/agentmux/pkg/persistence/redis"
)

// NewPersistence picks the persistence backend from the database URL scheme.
// Unrecognized schemes fall back to the file backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return p
	case "redis", "rediss":
		p, err := redis.NewPersistence(ctx, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create redis persistence: %w", err))
		}

		return p
	default:
		return file.NewPersistence(databaseURL)
	}
}

func parseProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
