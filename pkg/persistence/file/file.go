// Package file provides file-based persistence for run contexts: one JSON
// document per run under the configured root directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root string
}

func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (p *Persistence) runsDir() string {
	return filepath.Join(p.root, "runs")
}

func (p *Persistence) runPath(runID string) string {
	return filepath.Join(p.runsDir(), runID+".json")
}

func (p *Persistence) SaveRunContext(_ context.Context, run *models.RunContext) error {
	if err := os.MkdirAll(p.runsDir(), 0o755); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	// Write-then-rename keeps the last save point intact on a crash.
	tmp := p.runPath(run.RunID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	if err := os.Rename(tmp, p.runPath(run.RunID)); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (p *Persistence) RunContextByID(_ context.Context, runID string) (*models.RunContext, error) {
	raw, err := os.ReadFile(p.runPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	var run models.RunContext
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	return &run, nil
}

func (p *Persistence) RunContexts(ctx context.Context) ([]*models.RunContext, error) {
	entries, err := os.ReadDir(p.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.RunContext{}, nil
		}

		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.RunContext, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		run, err := p.RunContextByID(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (p *Persistence) DeleteRunContext(_ context.Context, runID string) error {
	err := os.Remove(p.runPath(runID))
	if os.IsNotExist(err) {
		return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
