// Package persistence provides the storage abstraction for run-context save
// points.
package persistence

import (
	"context"

	"github.com/agentmux/agentmux/pkg/models"
)

// Persistence stores run contexts at explicit save points (stage completion,
// workflow completion, recovery rebinds), not continuously.
type Persistence interface {
	SaveRunContext(ctx context.Context, run *models.RunContext) error
	RunContextByID(ctx context.Context, runID string) (*models.RunContext, error)
	RunContexts(ctx context.Context) ([]*models.RunContext, error)
	DeleteRunContext(ctx context.Context, runID string) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
