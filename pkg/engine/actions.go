package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/models"
)

// runActionList executes actions in order, honoring each action's failure
// policy. A next_stage transition or workflow completion stops the list; the
// transition, if any, is returned.
func (e *Engine) runActionList(ctx context.Context, stageID string, actions []models.Action, implicitSession string) (string, error) {
	for i := range actions {
		action := actions[i]

		next, err := e.runAction(ctx, stageID, action, implicitSession)
		if err != nil {
			switch action.Policy() {
			case models.FailureRetryOnce:
				e.logger.WarnContext(ctx, "Action failed, retrying once",
					"stage_id", stageID,
					"action_type", string(action.Type),
					"error", err,
				)

				next, err = e.runAction(ctx, stageID, action, implicitSession)
			case models.FailureContinue:
				e.logger.WarnContext(ctx, "Action failed, continuing",
					"stage_id", stageID,
					"action_type", string(action.Type),
					"error", err,
				)

				continue
			}

			if err != nil {
				return "", err
			}
		}

		if next != "" {
			return next, nil
		}

		if e.completed.Load() {
			return "", nil
		}
	}

	return "", nil
}

// runAction executes one action: control flow is interpreted here, everything
// else goes through the action executor. It returns a next-stage transition,
// if the action produced one.
func (e *Engine) runAction(ctx context.Context, stageID string, action models.Action, implicitSession string) (string, error) {
	start := time.Now()

	e.publish(ctx, events.ActionStarted{
		BaseEvent:  e.baseEvent(events.ActionStartedEvent),
		StageID:    stageID,
		ActionType: string(action.Type),
	})

	next, err := e.dispatchAction(ctx, stageID, action, implicitSession)
	if err != nil {
		e.publish(ctx, events.ActionFailed{
			BaseEvent:  e.baseEvent(events.ActionFailedEvent),
			StageID:    stageID,
			ActionType: string(action.Type),
			Error:      err.Error(),
			Policy:     string(action.Policy()),
		})

		return "", err
	}

	e.publish(ctx, events.ActionCompleted{
		BaseEvent:  e.baseEvent(events.ActionCompletedEvent),
		StageID:    stageID,
		ActionType: string(action.Type),
		Duration:   time.Since(start),
	})

	return next, nil
}

func (e *Engine) dispatchAction(ctx context.Context, stageID string, action models.Action, implicitSession string) (string, error) {
	switch action.Type {
	case models.ActionConditional:
		return e.runConditional(ctx, stageID, action, implicitSession)
	case models.ActionParallel:
		return e.runParallel(ctx, stageID, action, implicitSession)
	case models.ActionForeach:
		return e.runForeach(ctx, stageID, action, implicitSession)
	case models.ActionNextStage:
		if action.NextStage == "" {
			return "", errors.New("next_stage action without a target stage")
		}

		return action.NextStage, nil
	case models.ActionCompleteWorkflow:
		e.completeWorkflow(ctx)

		return "", nil
	default:
		if _, err := e.executor.Execute(ctx, action, implicitSession); err != nil {
			return "", err
		}

		// A trailing transition on a regular action takes effect only after
		// the action itself succeeded.
		return action.NextStage, nil
	}
}

func (e *Engine) runConditional(ctx context.Context, stageID string, action models.Action, implicitSession string) (string, error) {
	matched, err := e.store.EvaluateCondition(action.Condition)
	if err != nil {
		return "", err
	}

	branch := action.Then
	if !matched {
		branch = action.Else
	}

	return e.runActionList(ctx, stageID, branch, implicitSession)
}

// runParallel executes branches concurrently, bounded by max_concurrent.
// Without continue_on_failure the first branch error cancels the rest; with
// it, every branch runs to the end and failures are reported per branch.
// wait_all=false detaches the branches and returns immediately.
func (e *Engine) runParallel(ctx context.Context, stageID string, action models.Action, implicitSession string) (string, error) {
	if len(action.Branches) == 0 {
		return "", nil
	}

	limit := action.MaxConcurrent
	if limit <= 0 || limit > len(action.Branches) {
		limit = len(action.Branches)
	}

	if !action.WaitForAll() {
		for i := range action.Branches {
			branch := action.Branches[i]

			go func(index int) {
				if _, err := e.runActionList(ctx, stageID, branch, implicitSession); err != nil {
					e.logger.WarnContext(ctx, "Detached parallel branch failed",
						"stage_id", stageID,
						"branch", index,
						"error", err,
					)
				}
			}(i)
		}

		return "", nil
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failures  []string
		firstNext string
	)

	sem := make(chan struct{}, limit)

	for i := range action.Branches {
		branch := action.Branches[i]

		wg.Add(1)

		go func(index int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
				return
			}

			next, err := e.runActionList(groupCtx, stageID, branch, implicitSession)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				failures = append(failures, fmt.Sprintf("branch %d: %v", index, err))

				if !action.ContinueOnFailure {
					cancel()
				}

				return
			}

			if next != "" && firstNext == "" {
				firstNext = next
			}
		}(i)
	}

	wg.Wait()

	if len(failures) > 0 {
		if action.ContinueOnFailure {
			e.logger.WarnContext(ctx, "Parallel branches failed, continuing",
				"stage_id", stageID,
				"failures", failures,
			)

			return firstNext, nil
		}

		return "", fmt.Errorf("parallel: %s", failures[0])
	}

	return firstNext, nil
}

// runForeach binds each item (and its index) into the context store and runs
// the body sequentially. A next_stage inside the body stops the iteration.
func (e *Engine) runForeach(ctx context.Context, stageID string, action models.Action, implicitSession string) (string, error) {
	items, err := e.resolveItems(action.Items)
	if err != nil {
		return "", err
	}

	itemVar := action.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		e.store.Set(itemVar, item)
		e.store.Set(itemVar+"_index", i)

		next, err := e.runActionList(ctx, stageID, action.Body, implicitSession)
		if err != nil {
			return "", fmt.Errorf("foreach item %s: %w", strconv.Itoa(i), err)
		}

		if next != "" {
			return next, nil
		}

		if e.completed.Load() {
			return "", nil
		}
	}

	return "", nil
}
