// Package postgresql provides PostgreSQL persistence for run contexts.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/persistence"
)

// Persistence implements persistence.Persistence on PostgreSQL. Run contexts
// are stored as JSONB documents alongside a few indexed columns.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Persistence{db: database, logger: logger}

	if err := p.migrationManager().RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return p, nil
}

func (p *Persistence) SaveRunContext(ctx context.Context, run *models.RunContext) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO run_contexts (run_id, workflow_id, status, started_at, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = NOW()
	`, run.RunID, run.WorkflowID, string(run.Status), run.StartedAt, raw)
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (p *Persistence) RunContextByID(ctx context.Context, runID string) (*models.RunContext, error) {
	var raw []byte

	err := p.db.QueryRowContext(ctx,
		"SELECT data FROM run_contexts WHERE run_id = $1", runID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	var run models.RunContext
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	return &run, nil
}

func (p *Persistence) RunContexts(ctx context.Context) ([]*models.RunContext, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT data FROM run_contexts ORDER BY started_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunContext

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		var run models.RunContext
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}

		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func (p *Persistence) DeleteRunContext(ctx context.Context, runID string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM run_contexts WHERE run_id = $1", runID)
	if err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	if affected == 0 {
		return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
