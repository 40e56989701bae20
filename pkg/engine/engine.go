// Package engine drives workflow runs: it walks the stage chain, delivers
// prompts, waits on trigger keywords and interprets control-flow actions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/contextstore"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/eventbus"
	"github.com/agentmux/agentmux/pkg/executor"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/monitor"
	"github.com/agentmux/agentmux/pkg/otelhelper"
	"github.com/agentmux/agentmux/pkg/persistence"
	"github.com/agentmux/agentmux/pkg/registry"
)

// timeoutRetryExtension is added to a stage's timeout on the recovery retry.
const timeoutRetryExtension = 30 * time.Second

var (
	ErrNoStages     = errors.New("workflow definition has no stages")
	ErrUnknownStage = errors.New("unknown stage")
)

// Config wires an engine's collaborators. Publisher, Persistence and Tracer
// are optional.
type Config struct {
	Definition  *models.WorkflowDefinition
	Bridge      bridge.Bridge
	Registry    *registry.Registry
	Publisher   eventbus.EventPublisher
	Persistence persistence.Persistence
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Engine executes one workflow run to completion. A fresh engine is created
// per run; it is not reusable.
type Engine struct {
	def       *models.WorkflowDefinition
	store     *contextstore.Store
	executor  *executor.Executor
	bridge    bridge.Bridge
	publisher eventbus.EventPublisher
	persist   persistence.Persistence
	tracer    trace.Tracer
	logger    *slog.Logger

	monitorsMu sync.Mutex
	monitors   map[string]*monitor.Monitor

	startedAt      time.Time
	stagesExecuted int

	// completed may be flipped from a parallel branch goroutine running a
	// complete_workflow action while the main chain reads it.
	completed atomic.Bool

	// recoverTimeout, when set, decides whether a timed-out keyword wait gets
	// another attempt. The persistent engine installs a nudge-and-retry hook;
	// one-shot runs leave it nil and fall through to the stage's on_timeout
	// actions.
	recoverTimeout func(ctx context.Context, stage *models.Stage, sessionID string, attempt int) (bool, error)
}

func New(cfg Config) (*Engine, error) {
	if cfg.Definition == nil || len(cfg.Definition.Stages) == 0 {
		return nil, ErrNoStages
	}

	cfg.Definition.Settings.ApplyDefaults()

	logger := cfg.Logger.With(
		"module", "engine",
		"workflow_id", cfg.Definition.ID,
	)

	store := contextstore.NewStore(models.NewRunContext(cfg.Definition))

	return &Engine{
		def:       cfg.Definition,
		store:     store,
		executor:  executor.NewExecutor(cfg.Registry, store, cfg.Logger),
		bridge:    cfg.Bridge,
		publisher: cfg.Publisher,
		persist:   cfg.Persistence,
		tracer:    cfg.Tracer,
		logger:    logger,
		monitors:  make(map[string]*monitor.Monitor),
	}, nil
}

// Store exposes the run's context store, mainly for inspection in callers
// and tests.
func (e *Engine) Store() *contextstore.Store {
	return e.store
}

// RunID returns this run's identifier.
func (e *Engine) RunID() string {
	return e.store.RunID()
}

// Run executes the workflow from its first stage. Stages run in definition
// order unless a next_stage action redirects; a complete_workflow action ends
// the run early.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now().UTC()

	e.publish(ctx, events.WorkflowStarted{
		BaseEvent:    e.baseEvent(events.WorkflowStartedEvent),
		WorkflowName: e.def.Name,
	})

	e.logger.InfoContext(ctx, "Starting workflow run",
		"run_id", e.store.RunID(),
		"stages", len(e.def.Stages),
	)

	if err := e.runChain(ctx, e.def.Stages[0].ID); err != nil {
		e.failWorkflow(ctx, err)

		return err
	}

	if !e.completed.Load() {
		e.completeWorkflow(ctx)
	}

	return nil
}

// runChain walks stages starting at stageID until the chain ends or the run
// completes. An empty transition from a stage falls through to the next stage
// in definition order.
func (e *Engine) runChain(ctx context.Context, stageID string) error {
	for stageID != "" && !e.completed.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stage, ok := e.def.StageByID(stageID)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stageID)
		}

		next, err := e.executeStage(ctx, stage)
		if err != nil {
			return err
		}

		if next == "" {
			next = e.stageAfter(stage.ID)
		}

		stageID = next
	}

	return nil
}

// stageAfter returns the id of the stage following stageID in definition
// order, or empty at the end.
func (e *Engine) stageAfter(stageID string) string {
	for i := range e.def.Stages {
		if e.def.Stages[i].ID == stageID && i+1 < len(e.def.Stages) {
			return e.def.Stages[i+1].ID
		}
	}

	return ""
}

func (e *Engine) executeStage(ctx context.Context, stage *models.Stage) (string, error) {
	ctx, span := e.startSpan(ctx, "engine.stage",
		attribute.String(otelhelper.StageIDKey, stage.ID),
		attribute.String(otelhelper.StageNameKey, stage.Name),
	)
	defer span.End()

	start := time.Now()
	e.stagesExecuted++

	e.store.SetStage(stage.ID, models.StageStatusRunning)

	e.publish(ctx, events.StageStarted{
		BaseEvent: e.baseEvent(events.StageStartedEvent),
		StageID:   stage.ID,
		StageName: stage.Name,
	})

	e.logger.InfoContext(ctx, "Executing stage", "stage_id", stage.ID, "stage_name", stage.Name)

	next, err := e.runStageBody(ctx, stage)
	if err != nil {
		otelhelper.SetError(span, err)
		e.store.UpdateStage(stage.ID, func(rec *models.StageRun) {
			rec.Status = models.StageStatusFailed
			rec.Error = err.Error()
			now := time.Now().UTC()
			rec.EndedAt = &now
		})

		e.publish(ctx, events.StageFailed{
			BaseEvent: e.baseEvent(events.StageFailedEvent),
			StageID:   stage.ID,
			Error:     err.Error(),
		})

		// on_failure is the stage's last word: it may redirect the chain or
		// complete the run, in which case the failure is considered handled.
		if len(stage.OnFailure) > 0 {
			recoverNext, recoverErr := e.runActionList(ctx, stage.ID, stage.OnFailure, "")
			if recoverErr != nil {
				return "", fmt.Errorf("stage %s on_failure: %w", stage.ID, recoverErr)
			}

			if recoverNext != "" || e.completed.Load() {
				e.savePoint(ctx)

				return recoverNext, nil
			}
		}

		e.savePoint(ctx)

		return "", fmt.Errorf("stage %s: %w", stage.ID, err)
	}

	var finalStatus models.StageStatus

	e.store.UpdateStage(stage.ID, func(rec *models.StageRun) {
		if rec.Status == models.StageStatusRunning {
			rec.Status = models.StageStatusCompleted
		}

		finalStatus = rec.Status
		now := time.Now().UTC()
		rec.EndedAt = &now
	})

	// A stage that timed out and redirected keeps its timed_out record; it
	// must not also announce completion.
	if finalStatus == models.StageStatusCompleted {
		e.publish(ctx, events.StageCompleted{
			BaseEvent: e.baseEvent(events.StageCompletedEvent),
			StageID:   stage.ID,
			Duration:  time.Since(start),
		})
	}

	e.savePoint(ctx)

	return next, nil
}

// runStageBody performs the stage's prompt delivery, keyword wait and success
// actions. It returns an explicit next-stage transition, if any.
func (e *Engine) runStageBody(ctx context.Context, stage *models.Stage) (string, error) {
	sessionID := ""

	if stage.Prompt != "" {
		var err error

		sessionID, err = e.ensureSession(ctx, stage)
		if err != nil {
			return "", err
		}

		prompt := e.store.Interpolate(stage.Prompt)

		if err := e.bridge.Send(ctx, sessionID, prompt); err != nil {
			return "", fmt.Errorf("send prompt: %w", err)
		}

		e.store.UpdateSession(sessionID, func(info *models.SessionInfo) {
			info.Stage = stage.ID
			info.State = models.SessionStateActive
		})

		if stage.TriggerKeyword != "" {
			if err := e.awaitKeyword(ctx, stage, sessionID); err != nil {
				var redirect *redirectAfterTimeout
				if errors.As(err, &redirect) {
					return redirect.next, nil
				}

				return "", err
			}
		}
	}

	if len(stage.OnSuccess) > 0 {
		return e.runActionList(ctx, stage.ID, stage.OnSuccess, sessionID)
	}

	return "", nil
}

// ensureSession resolves the stage's target session, spawning a default-role
// session first if the run has none yet.
func (e *Engine) ensureSession(ctx context.Context, stage *models.Stage) (string, error) {
	sessionID, err := e.store.ResolveSession(stage.Target, "")
	if err == nil {
		return sessionID, nil
	}

	if !errors.Is(err, contextstore.ErrNoCurrentSession) {
		return "", err
	}

	e.logger.InfoContext(ctx, "No session bound, spawning default-role session", "stage_id", stage.ID)

	if _, err := e.executor.Execute(ctx, models.Action{Type: models.ActionSpawnAgent}, ""); err != nil {
		return "", fmt.Errorf("spawn session: %w", err)
	}

	return e.store.ResolveSession(stage.Target, "")
}

type monitorOutcome struct {
	detected bool
	buffer   string
}

// awaitKeyword blocks until the stage's trigger keyword is detected, handling
// the timeout recovery protocol. Attempt counting is recorded on the stage run.
func (e *Engine) awaitKeyword(ctx context.Context, stage *models.Stage, sessionID string) error {
	keyword := e.store.Interpolate(stage.TriggerKeyword)
	settings := e.store.Settings()
	timeout := stage.TimeoutDuration(settings.TimeoutDuration())

	mode := monitor.ModeSimple
	if settings.UseTaskIDs {
		mode = monitor.ModeTaskScoped
	}

	for attempt := 1; ; attempt++ {
		e.store.UpdateStage(stage.ID, func(rec *models.StageRun) {
			rec.Attempts = attempt
		})

		outcome, err := e.waitOnce(ctx, sessionID, keyword, timeout, mode)
		if err != nil {
			return err
		}

		if outcome.detected {
			e.store.UpdateStage(stage.ID, func(rec *models.StageRun) {
				rec.Output = outcome.buffer
			})

			return nil
		}

		e.publish(ctx, events.StageTimedOut{
			BaseEvent: e.baseEvent(events.StageTimedOutEvent),
			StageID:   stage.ID,
			Keyword:   keyword,
			Timeout:   timeout,
			Attempt:   attempt,
		})

		e.logger.WarnContext(ctx, "Keyword wait timed out",
			"stage_id", stage.ID,
			"keyword", keyword,
			"attempt", attempt,
		)

		if e.recoverTimeout != nil {
			retry, recoverErr := e.recoverTimeout(ctx, stage, sessionID, attempt)
			if recoverErr != nil {
				return recoverErr
			}

			if retry {
				timeout += timeoutRetryExtension

				continue
			}
		}

		e.store.SetStage(stage.ID, models.StageStatusTimedOut)

		if len(stage.OnTimeout) > 0 {
			next, timeoutErr := e.runActionList(ctx, stage.ID, stage.OnTimeout, sessionID)
			if timeoutErr != nil {
				return fmt.Errorf("on_timeout: %w", timeoutErr)
			}

			if next != "" || e.completed.Load() {
				// The timeout handler redirected or completed the run; resume
				// there instead of failing the stage.
				return &redirectAfterTimeout{next: next}
			}
		}

		return fmt.Errorf("stage %s: keyword %q not detected within %s", stage.ID, keyword, timeout)
	}
}

// redirectAfterTimeout is the sentinel used to carry an on_timeout redirect
// out of the keyword wait.
type redirectAfterTimeout struct {
	next string
}

func (e *redirectAfterTimeout) Error() string {
	return "redirect after timeout to " + e.next
}

// waitOnce runs one monitor attempt to a terminal state.
func (e *Engine) waitOnce(ctx context.Context, sessionID, keyword string, timeout time.Duration, mode monitor.Mode) (monitorOutcome, error) {
	outcomes := make(chan monitorOutcome, 1)

	mon := monitor.New(monitor.Config{
		InstanceID:   sessionID,
		Keyword:      keyword,
		PollInterval: e.store.Settings().PollIntervalDuration(),
		Timeout:      timeout,
		Mode:         mode,
		OnDetected: func(buffer string) {
			outcomes <- monitorOutcome{detected: true, buffer: buffer}
		},
		OnTimeout: func() {
			outcomes <- monitorOutcome{}
		},
		OnError: func(err error) {
			e.publish(ctx, events.MonitorError{
				BaseEvent: e.baseEvent(events.MonitorErrorEvent),
				SessionID: sessionID,
				Error:     err.Error(),
			})
		},
	}, e.bridge, e.logger)

	e.trackMonitor(sessionID, mon)
	defer e.releaseMonitor(sessionID, mon)

	if err := mon.Start(ctx); err != nil {
		return monitorOutcome{}, err
	}

	select {
	case outcome := <-outcomes:
		return outcome, nil
	case <-ctx.Done():
		return monitorOutcome{}, ctx.Err()
	}
}

func (e *Engine) trackMonitor(sessionID string, mon *monitor.Monitor) {
	e.monitorsMu.Lock()
	defer e.monitorsMu.Unlock()

	e.monitors[sessionID] = mon
}

// releaseMonitor stops a monitor and drops it from the active set. Always
// called from the engine goroutine, never from a monitor callback.
func (e *Engine) releaseMonitor(sessionID string, mon *monitor.Monitor) {
	mon.Stop()

	e.monitorsMu.Lock()
	defer e.monitorsMu.Unlock()

	if e.monitors[sessionID] == mon {
		delete(e.monitors, sessionID)
	}
}

func (e *Engine) stopAllMonitors() {
	e.monitorsMu.Lock()
	monitors := make([]*monitor.Monitor, 0, len(e.monitors))

	for id, mon := range e.monitors {
		monitors = append(monitors, mon)
		delete(e.monitors, id)
	}
	e.monitorsMu.Unlock()

	for _, mon := range monitors {
		mon.Stop()
	}
}

func (e *Engine) completeWorkflow(ctx context.Context) {
	if !e.completed.CompareAndSwap(false, true) {
		return
	}

	e.stopAllMonitors()
	e.store.SetRunStatus(models.RunStatusCompleted)
	e.savePoint(ctx)

	e.publish(ctx, events.WorkflowCompleted{
		BaseEvent:      e.baseEvent(events.WorkflowCompletedEvent),
		Duration:       time.Since(e.startedAt),
		StagesExecuted: e.stagesExecuted,
	})

	e.logger.InfoContext(ctx, "Workflow run completed",
		"run_id", e.store.RunID(),
		"stages_executed", e.stagesExecuted,
	)
}

func (e *Engine) failWorkflow(ctx context.Context, cause error) {
	e.stopAllMonitors()
	e.store.SetRunStatus(models.RunStatusFailed)
	e.savePoint(ctx)

	e.publish(ctx, events.WorkflowFailed{
		BaseEvent: e.baseEvent(events.WorkflowFailedEvent),
		Error:     cause.Error(),
		Duration:  time.Since(e.startedAt),
	})

	e.logger.ErrorContext(ctx, "Workflow run failed",
		"run_id", e.store.RunID(),
		"error", cause,
	)
}

// savePoint persists a snapshot of the run context. Persistence failures are
// logged, never fatal to the run.
func (e *Engine) savePoint(ctx context.Context) {
	if e.persist == nil {
		return
	}

	if err := e.persist.SaveRunContext(ctx, e.store.Snapshot()); err != nil {
		e.logger.WarnContext(ctx, "Run context save point failed", "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, e.store.RunID(), event); err != nil {
		e.logger.WarnContext(ctx, "Event publish failed",
			"event_type", string(event.GetType()),
			"error", err,
		)
	}
}

func (e *Engine) baseEvent(eventType events.EventType) events.BaseEvent {
	return events.NewBaseEvent(eventType, e.store.RunID(), e.def.ID)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	attrs = append(attrs,
		attribute.String(otelhelper.RunIDKey, e.store.RunID()),
		attribute.String(otelhelper.WorkflowIDKey, e.def.ID),
	)

	return otelhelper.StartSpan(ctx, e.tracer, name, attrs...)
}

// resolveItems turns a foreach items value into a concrete slice: either an
// inline list or a "${path}" reference to one in the context store.
func (e *Engine) resolveItems(items any) ([]any, error) {
	switch v := items.(type) {
	case []any:
		return v, nil
	case string:
		path := strings.TrimSpace(v)
		path = strings.TrimPrefix(path, "${")
		path = strings.TrimSuffix(path, "}")

		value, ok := e.store.Get(path)
		if !ok {
			return nil, fmt.Errorf("foreach items path %q not found", path)
		}

		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("foreach items path %q is not a list", path)
		}

		return list, nil
	default:
		return nil, fmt.Errorf("foreach items must be a list or a path, got %T", items)
	}
}
