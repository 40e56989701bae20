package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentmux/agentmux/pkg/contextstore"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/monitor"
)

const (
	// sweepSchedule drives the advisory conflict and stuck-session sweeps.
	sweepSchedule = "@every 1m"

	// defaultStuckThreshold is how long without progress before a session is
	// considered stuck.
	defaultStuckThreshold = 10 * time.Minute

	// stuckRecheckDelay is the grace period after the first nudge before the
	// forced blank-state return.
	stuckRecheckDelay = 30 * time.Second
)

var ErrNoRecurringKeyword = errors.New("persistent mode requires a recurring keyword")

// PersistentEngine runs a workflow as a long-lived daemon: it idles on the
// recurring blank-state keyword, executes one workflow cycle per detection
// and recovers dead, timed-out and stuck sessions in between.
type PersistentEngine struct {
	*Engine

	sweeper        *cron.Cron
	stuckThreshold time.Duration

	progress     atomic.Int64
	lastProgress atomic.Int64 // unix seconds
	nudging      atomic.Bool
}

func NewPersistent(cfg Config) (*PersistentEngine, error) {
	base, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if base.def.Settings.RecurringKeyword == "" {
		return nil, ErrNoRecurringKeyword
	}

	p := &PersistentEngine{
		Engine:         base,
		sweeper:        cron.New(),
		stuckThreshold: defaultStuckThreshold,
	}

	p.logger = base.logger.With("persistent", true)
	base.recoverTimeout = p.recoverStageTimeout

	return p, nil
}

// Run starts the daemon loop: spawn a session, then alternate between waiting
// for the blank-state keyword and executing workflow cycles. It returns only
// on context cancellation or an unrecoverable spawn failure.
func (p *PersistentEngine) Run(ctx context.Context) error {
	p.startedAt = time.Now().UTC()
	p.markProgress()

	p.publish(ctx, events.WorkflowStarted{
		BaseEvent:    p.baseEvent(events.WorkflowStartedEvent),
		WorkflowName: p.def.Name,
		Persistent:   true,
	})

	if _, err := p.executor.Execute(ctx, models.Action{Type: models.ActionSpawnAgent}, ""); err != nil {
		return fmt.Errorf("initial spawn: %w", err)
	}

	p.savePoint(ctx)
	p.startSweeps(ctx)
	defer p.sweeper.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionID, err := p.store.ResolveSession("", "")
		if err != nil {
			return fmt.Errorf("no session bound: %w", err)
		}

		outcome, err := p.waitBlank(ctx, sessionID)
		if err != nil {
			return err
		}

		if outcome.dead {
			if err := p.recoverDeadSession(ctx, sessionID); err != nil {
				return err
			}

			continue
		}

		p.markProgress()

		p.publish(ctx, events.BlankStateReady{
			BaseEvent: p.baseEvent(events.BlankStateReadyEvent),
			SessionID: sessionID,
		})

		p.runCycle(ctx, sessionID)
	}
}

type blankOutcome struct {
	dead bool
}

// waitBlank blocks until the recurring keyword appears or the session is
// found dead. The monitor never times out on its own; read failures trigger a
// liveness probe instead.
func (p *PersistentEngine) waitBlank(ctx context.Context, sessionID string) (blankOutcome, error) {
	outcomes := make(chan blankOutcome, 1)

	var probing atomic.Bool

	mon := monitor.New(monitor.Config{
		InstanceID:   sessionID,
		Keyword:      p.store.Settings().RecurringKeyword,
		PollInterval: p.store.Settings().PollIntervalDuration(),
		Timeout:      0,
		Mode:         monitor.ModeSimple,
		OnDetected: func(string) {
			select {
			case outcomes <- blankOutcome{}:
			default:
			}
		},
		OnError: func(err error) {
			p.publish(ctx, events.MonitorError{
				BaseEvent: p.baseEvent(events.MonitorErrorEvent),
				SessionID: sessionID,
				Error:     err.Error(),
			})

			// One probe at a time; a failed probe means the session is gone,
			// not merely slow.
			if !probing.CompareAndSwap(false, true) {
				return
			}

			go func() {
				defer probing.Store(false)

				probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if _, probeErr := p.bridge.Read(probeCtx, sessionID, 1); probeErr != nil {
					select {
					case outcomes <- blankOutcome{dead: true}:
					default:
					}
				}
			}()
		},
	}, p.bridge, p.logger)

	p.trackMonitor(sessionID, mon)
	defer p.releaseMonitor(sessionID, mon)

	if err := mon.Start(ctx); err != nil {
		return blankOutcome{}, err
	}

	select {
	case outcome := <-outcomes:
		return outcome, nil
	case <-ctx.Done():
		return blankOutcome{}, ctx.Err()
	}
}

// recoverDeadSession terminates the dead session, spawns a replacement and
// rebinds it as current. Respawn failure is the daemon's only fatal recovery
// path.
func (p *PersistentEngine) recoverDeadSession(ctx context.Context, sessionID string) error {
	p.logger.WarnContext(ctx, "Session is dead, respawning", "instance_id", sessionID)

	if err := p.bridge.Terminate(ctx, sessionID); err != nil {
		p.logger.WarnContext(ctx, "Dead session cleanup failed", "instance_id", sessionID, "error", err)
	}

	p.store.UpdateSession(sessionID, func(info *models.SessionInfo) {
		info.State = models.SessionStateDead
	})

	result, err := p.executor.Execute(ctx, models.Action{Type: models.ActionSpawnAgent}, "")
	if err != nil {
		return fmt.Errorf("respawn after dead session %s: %w", sessionID, err)
	}

	replacementID, _ := result["instance_id"].(string)

	p.publish(ctx, events.InstanceDead{
		BaseEvent:     p.baseEvent(events.InstanceDeadEvent),
		SessionID:     sessionID,
		ReplacementID: replacementID,
	})

	p.savePoint(ctx)
	p.markProgress()

	return nil
}

// runCycle executes one pass of the stage chain. Cycle failures are reported
// and the daemon returns to the blank state; they never kill the loop.
func (p *PersistentEngine) runCycle(ctx context.Context, sessionID string) {
	p.completed.Store(false)

	p.logger.InfoContext(ctx, "Starting workflow cycle", "instance_id", sessionID)

	if err := p.runChain(ctx, p.def.Stages[0].ID); err != nil {
		if ctx.Err() != nil {
			return
		}

		p.logger.ErrorContext(ctx, "Workflow cycle failed", "error", err)

		p.publish(ctx, events.WorkflowFailed{
			BaseEvent: p.baseEvent(events.WorkflowFailedEvent),
			Error:     err.Error(),
			Duration:  time.Since(p.startedAt),
		})
	} else if !p.completed.Load() {
		p.completeWorkflow(ctx)
	}

	// The daemon keeps running regardless of the cycle's outcome.
	p.completed.Store(false)
	p.store.SetRunStatus(models.RunStatusRunning)
	p.markProgress()
	p.returnToBlank(ctx)
	p.savePoint(ctx)
}

func (p *PersistentEngine) returnToBlank(ctx context.Context) {
	if _, err := p.executor.Execute(ctx, models.Action{Type: models.ActionReturnToBlankState}, ""); err != nil {
		if !errors.Is(err, contextstore.ErrNoCurrentSession) {
			p.logger.WarnContext(ctx, "Blank state return failed", "error", err)
		}
	}
}

// recoverStageTimeout is the timeout recovery hook: the first timeout earns a
// role-aware nudge naming the owed keyword and one retry with an extended
// deadline; further timeouts fall through to the stage's on_timeout handling.
func (p *PersistentEngine) recoverStageTimeout(ctx context.Context, stage *models.Stage, sessionID string, attempt int) (bool, error) {
	if attempt > 1 {
		return false, nil
	}

	role := models.RoleSpecialist

	sessions := p.store.Sessions()
	if info, ok := sessions[sessionID]; ok && info.Role != "" {
		role = info.Role
	}

	keyword := p.store.Interpolate(stage.TriggerKeyword)
	nudge := buildNudge(role, keyword)

	if err := p.bridge.Send(ctx, sessionID, nudge); err != nil {
		p.logger.WarnContext(ctx, "Timeout nudge delivery failed",
			"instance_id", sessionID,
			"error", err,
		)

		return false, nil
	}

	p.logger.InfoContext(ctx, "Nudged session after timeout",
		"instance_id", sessionID,
		"stage_id", stage.ID,
		"keyword", keyword,
	)

	return true, nil
}

// buildNudge composes the timeout reminder sent to a silent session.
func buildNudge(role, keyword string) string {
	switch role {
	case models.RoleExecutive:
		return fmt.Sprintf("Status check: the orchestrator is still waiting for %q. If delegation is complete, report it now; otherwise summarize what remains.", keyword)
	case models.RoleManager:
		return fmt.Sprintf("Status check: the orchestrator is still waiting for %q. Report task progress, or the completion marker if the work is done.", keyword)
	default:
		return fmt.Sprintf("Status check: the orchestrator is still waiting for %q. If the task is finished, print the marker; otherwise continue working.", keyword)
	}
}

// startSweeps schedules the advisory workspace-conflict and stuck-session
// sweeps.
func (p *PersistentEngine) startSweeps(ctx context.Context) {
	_, err := p.sweeper.AddFunc(sweepSchedule, func() {
		p.sweepConflicts(ctx)
		p.sweepStuck(ctx)
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Sweep scheduling failed", "error", err)

		return
	}

	p.sweeper.Start()
}

// sweepConflicts flags pairs of live sessions sharing a workspace. Advisory
// only: conflicts are published, never resolved automatically.
func (p *PersistentEngine) sweepConflicts(ctx context.Context) {
	byWorkspace := make(map[string][]string)

	for id, info := range p.store.Sessions() {
		if info.State == models.SessionStateDead || info.Workspace == "" {
			continue
		}

		byWorkspace[info.Workspace] = append(byWorkspace[info.Workspace], id)
	}

	for workspace, ids := range byWorkspace {
		if len(ids) < 2 {
			continue
		}

		p.publish(ctx, events.WorkflowConflict{
			BaseEvent: p.baseEvent(events.WorkflowConflictEvent),
			SessionA:  ids[0],
			SessionB:  ids[1],
			Workspace: workspace,
		})

		p.logger.WarnContext(ctx, "Workspace conflict detected",
			"workspace", workspace,
			"sessions", ids,
		)
	}
}

// sweepStuck nudges the current session when no progress has been observed
// within the threshold, then forces a blank-state return if the nudge changes
// nothing within the grace period.
func (p *PersistentEngine) sweepStuck(ctx context.Context) {
	last := time.Unix(p.lastProgress.Load(), 0)
	stuckFor := time.Since(last)

	if stuckFor < p.stuckThreshold {
		return
	}

	if !p.nudging.CompareAndSwap(false, true) {
		return
	}

	sessionID, err := p.store.ResolveSession("", "")
	if err != nil {
		p.nudging.Store(false)

		return
	}

	p.publish(ctx, events.WorkflowStuck{
		BaseEvent: p.baseEvent(events.WorkflowStuckEvent),
		SessionID: sessionID,
		StuckFor:  stuckFor,
	})

	p.logger.WarnContext(ctx, "Session appears stuck, nudging",
		"instance_id", sessionID,
		"stuck_for", stuckFor,
	)

	if err := p.bridge.Send(ctx, sessionID, "Status check: no progress observed for a while. Report your current state."); err != nil {
		p.logger.WarnContext(ctx, "Stuck nudge delivery failed", "instance_id", sessionID, "error", err)
	}

	progressBefore := p.progress.Load()

	go func() {
		defer p.nudging.Store(false)

		select {
		case <-time.After(stuckRecheckDelay):
		case <-ctx.Done():
			return
		}

		if p.progress.Load() != progressBefore {
			return
		}

		p.logger.WarnContext(ctx, "Session still stuck after nudge, forcing blank state return",
			"instance_id", sessionID,
		)

		p.returnToBlank(ctx)
	}()
}

func (p *PersistentEngine) markProgress() {
	p.progress.Add(1)
	p.lastProgress.Store(time.Now().Unix())
}
