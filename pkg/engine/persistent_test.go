package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/cmd"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/testutil"
)

func persistentDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   "wf-daemon",
		Name: "daemon workflow",
		Settings: models.Settings{
			PollInterval:     1,
			Timeout:          5,
			RecurringKeyword: "READY_FOR_WORK",
		},
		Stages: []models.Stage{
			{ID: "task", OnSuccess: []models.Action{
				{Type: models.ActionSetContext, Key: "cycled", Value: true},
				{Type: models.ActionCompleteWorkflow},
			}},
		},
	}
}

func newPersistentEngine(t *testing.T, def *models.WorkflowDefinition) (*PersistentEngine, *testutil.FakeBridge, *testutil.CollectingPublisher) {
	t.Helper()

	fake := testutil.NewFakeBridge()
	pub := testutil.NewCollectingPublisher()

	eng, err := NewPersistent(Config{
		Definition: def,
		Bridge:     fake,
		Registry:   cmd.NewRegistry(testLogger(), fake),
		Publisher:  pub,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	return eng, fake, pub
}

func waitUntil(t *testing.T, timeout time.Duration, check func() bool, message string) {
	t.Helper()

	deadline := time.After(timeout)

	for {
		if check() {
			return
		}

		select {
		case <-deadline:
			t.Fatal(message)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNewPersistentRequiresRecurringKeyword(t *testing.T) {
	def := persistentDef()
	def.Settings.RecurringKeyword = ""

	fake := testutil.NewFakeBridge()

	_, err := NewPersistent(Config{
		Definition: def,
		Bridge:     fake,
		Registry:   cmd.NewRegistry(testLogger(), fake),
		Logger:     testLogger(),
	})
	assert.ErrorIs(t, err, ErrNoRecurringKeyword)
}

func TestPersistentBlankStateCycle(t *testing.T) {
	eng, fake, pub := newPersistentEngine(t, persistentDef())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- eng.Run(ctx) }()

	// Wait for the initial spawn, then make the session announce readiness.
	waitUntil(t, 5*time.Second, func() bool { return fake.Spawned() >= 1 }, "initial spawn never happened")
	fake.SetOutput("inst-1", "> standing by\n● READY_FOR_WORK")

	waitUntil(t, 10*time.Second, func() bool {
		return pub.CountOf(events.BlankStateReadyEvent) >= 2
	}, "daemon never cycled twice on the recurring keyword")

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancellation")
	}

	// The cycle ran the workflow stages and returned to blank state.
	_, cycled := eng.Store().Get("cycled")
	assert.True(t, cycled)
	assert.GreaterOrEqual(t, pub.CountOf(events.WorkflowCompletedEvent), 1)

	blankNotices := 0

	for _, sent := range fake.SentMessages() {
		if strings.Contains(sent, "ready for your next task") {
			blankNotices++
		}
	}

	assert.GreaterOrEqual(t, blankNotices, 1)
	assert.Equal(t, 1, fake.Spawned())
}

func TestPersistentDeadSessionRespawn(t *testing.T) {
	eng, fake, pub := newPersistentEngine(t, persistentDef())

	// The first session is unreadable from the start; its replacement works.
	fake.ReadErrFor = map[string]error{"inst-1": errors.New("no such pane")}
	fake.SetOutput("inst-2", "> standing by\n● READY_FOR_WORK")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- eng.Run(ctx) }()

	waitUntil(t, 10*time.Second, func() bool {
		return pub.CountOf(events.InstanceDeadEvent) >= 1 && fake.Spawned() >= 2
	}, "dead session was never replaced")

	waitUntil(t, 10*time.Second, func() bool {
		return pub.CountOf(events.BlankStateReadyEvent) >= 1
	}, "replacement session never reached blank state")

	cancel()
	<-done

	// Exactly one respawn: the dead session was terminated and replaced once.
	assert.Equal(t, 2, fake.Spawned())
	assert.Contains(t, fake.TerminatedIDs(), "inst-1")
	assert.GreaterOrEqual(t, pub.CountOf(events.MonitorErrorEvent), 1)

	// The replacement is the current session.
	current, ok := eng.Store().Get("current_session_id")
	require.True(t, ok)
	assert.Equal(t, "inst-2", current)

	assert.Equal(t, models.SessionStateDead, eng.Store().Sessions()["inst-1"].State)
}

func TestPersistentSpawnFailureIsFatal(t *testing.T) {
	eng, fake, _ := newPersistentEngine(t, persistentDef())
	fake.SpawnErr = errors.New("tmux unavailable")

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial spawn")
}

func TestRecoverStageTimeoutNudgesOnce(t *testing.T) {
	eng, fake, _ := newPersistentEngine(t, persistentDef())

	result, err := eng.executor.Execute(context.Background(), models.Action{
		Type: models.ActionSpawnAgent,
		Role: models.RoleManager,
	}, "")
	require.NoError(t, err)

	sessionID := result["instance_id"].(string)
	stage := &models.Stage{ID: "slow", TriggerKeyword: "SLOW_DONE"}

	// First timeout: nudge the session and retry.
	retry, err := eng.recoverStageTimeout(context.Background(), stage, sessionID, 1)
	require.NoError(t, err)
	assert.True(t, retry)

	require.NotEmpty(t, fake.Sent)
	assert.Contains(t, fake.Sent[len(fake.Sent)-1], "SLOW_DONE")

	// Second timeout: give up and let on_timeout handling run.
	retry, err = eng.recoverStageTimeout(context.Background(), stage, sessionID, 2)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestRecoverStageTimeoutNudgeFailure(t *testing.T) {
	eng, fake, _ := newPersistentEngine(t, persistentDef())

	result, err := eng.executor.Execute(context.Background(), models.Action{Type: models.ActionSpawnAgent}, "")
	require.NoError(t, err)

	fake.SendErr = errors.New("session gone")

	// An undeliverable nudge is not worth a retry.
	retry, err := eng.recoverStageTimeout(context.Background(),
		&models.Stage{ID: "slow", TriggerKeyword: "X"},
		result["instance_id"].(string), 1)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestSweepConflictsFlagsSharedWorkspace(t *testing.T) {
	eng, _, pub := newPersistentEngine(t, persistentDef())

	eng.Store().TrackSession(&models.SessionInfo{ID: "inst-a", Workspace: "/repo"})
	eng.Store().TrackSession(&models.SessionInfo{ID: "inst-b", Workspace: "/repo"})
	eng.Store().TrackSession(&models.SessionInfo{ID: "inst-c", Workspace: "/other"})

	eng.sweepConflicts(context.Background())

	assert.Equal(t, 1, pub.CountOf(events.WorkflowConflictEvent))
}

func TestSweepConflictsIgnoresDeadSessions(t *testing.T) {
	eng, _, pub := newPersistentEngine(t, persistentDef())

	eng.Store().TrackSession(&models.SessionInfo{ID: "inst-a", Workspace: "/repo"})
	eng.Store().TrackSession(&models.SessionInfo{ID: "inst-b", Workspace: "/repo", State: models.SessionStateDead})

	eng.sweepConflicts(context.Background())

	assert.Zero(t, pub.CountOf(events.WorkflowConflictEvent))
}

func TestBuildNudgeNamesKeyword(t *testing.T) {
	for _, role := range []string{models.RoleExecutive, models.RoleManager, models.RoleSpecialist} {
		assert.Contains(t, buildNudge(role, "TASK_DONE"), "TASK_DONE", role)
	}
}
