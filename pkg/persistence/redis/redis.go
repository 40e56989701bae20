// Package redis provides Redis-backed persistence for run contexts, one JSON
// value per run id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/persistence"
)

const keyPrefix = "agentmux:runs:"

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client goredis.UniversalClient
}

func NewPersistence(ctx context.Context, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Persistence{client: client}, nil
}

func (p *Persistence) SaveRunContext(ctx context.Context, run *models.RunContext) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	if err := p.client.Set(ctx, keyPrefix+run.RunID, raw, 0).Err(); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (p *Persistence) RunContextByID(ctx context.Context, runID string) (*models.RunContext, error) {
	raw, err := p.client.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, goredis.Nil) {
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
	var (
		runs   []*models.RunContext
		cursor uint64
	)

	for {
		keys, next, err := p.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan runs: %w", err)
		}

		for _, key := range keys {
			run, err := p.RunContextByID(ctx, key[len(keyPrefix):])
			if err != nil {
				return nil, err
			}

			runs = append(runs, run)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return runs, nil
}

func (p *Persistence) DeleteRunContext(ctx context.Context, runID string) error {
	deleted, err := p.client.Del(ctx, keyPrefix+runID).Result()
	if err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	if deleted == 0 {
		return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}
