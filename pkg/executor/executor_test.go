package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/cmd"
	"github.com/agentmux/agentmux/pkg/contextstore"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestExecutor(t *testing.T) (*Executor, *contextstore.Store, *testutil.FakeBridge) {
	t.Helper()

	def := &models.WorkflowDefinition{
		ID:     "wf-exec",
		Name:   "executor test",
		Stages: []models.Stage{{ID: "only"}},
	}
	def.Settings.ApplyDefaults()

	store := contextstore.NewStore(models.NewRunContext(def))
	fake := testutil.NewFakeBridge()
	reg := cmd.NewRegistry(testLogger(), fake)

	return NewExecutor(reg, store, testLogger()), store, fake
}

func TestExecuteUnknownAction(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), models.Action{Type: "definitely_not_registered"}, "")
	require.Error(t, err)

	var unknown *models.UnknownActionError
	assert.ErrorAs(t, err, &unknown)
}

func TestSpawnBindsCurrentSession(t *testing.T) {
	exec, store, fake := newTestExecutor(t)

	result, err := exec.Execute(context.Background(), models.Action{
		Type: models.ActionSpawnAgent,
		Role: models.RoleManager,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.SpawnCalls)

	id := result["instance_id"].(string)

	current, ok := store.Get("current_session_id")
	require.True(t, ok)
	assert.Equal(t, id, current)

	byRole, ok := store.Get("instances.manager")
	require.True(t, ok)
	assert.Equal(t, id, byRole)

	assert.Contains(t, store.Sessions(), id)
}

func TestSendInterpolatesPrompt(t *testing.T) {
	exec, store, fake := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), models.Action{Type: models.ActionSpawnAgent}, "")
	require.NoError(t, err)

	store.Set("ticket", "ABC-1")

	_, err = exec.Execute(context.Background(), models.Action{
		Type:   models.ActionSendPrompt,
		Prompt: "work on ${ticket}",
	}, "")
	require.NoError(t, err)

	require.Len(t, fake.Sent, 1)
	assert.Equal(t, "work on ABC-1", fake.Sent[0])
}

func TestSendWithoutSessionFails(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), models.Action{
		Type:   models.ActionSendPrompt,
		Prompt: "hello",
	}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, contextstore.ErrNoCurrentSession)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, models.ActionSendPrompt, actionErr.Type)
}

func TestImplicitSessionFallback(t *testing.T) {
	exec, _, fake := newTestExecutor(t)
	fake.SetOutput("inst-implicit", "some output")

	result, err := exec.Execute(context.Background(), models.Action{
		Type: models.ActionReadOutput,
	}, "inst-implicit")
	require.NoError(t, err)
	assert.Equal(t, "some output", result["output"])
}

func TestNamedResultRecorded(t *testing.T) {
	exec, store, fake := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), models.Action{Type: models.ActionSpawnAgent}, "")
	require.NoError(t, err)

	current, _ := store.Get("current_session_id")
	fake.SetOutput(current.(string), "captured text")

	_, err = exec.Execute(context.Background(), models.Action{
		Type: models.ActionReadOutput,
		Name: "capture",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "captured text", store.Interpolate("${results.capture.output}"))
}

func TestTerminateMarksSessionDead(t *testing.T) {
	exec, store, fake := newTestExecutor(t)

	result, err := exec.Execute(context.Background(), models.Action{Type: models.ActionSpawnAgent}, "")
	require.NoError(t, err)

	id := result["instance_id"].(string)

	_, err = exec.Execute(context.Background(), models.Action{
		Type:   models.ActionTerminate,
		Target: id,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{id}, fake.Terminated)
	assert.Equal(t, models.SessionStateDead, store.Sessions()[id].State)
}

func TestSetContextInterpolatesStrings(t *testing.T) {
	exec, store, _ := newTestExecutor(t)

	store.Set("base", "v1")

	_, err := exec.Execute(context.Background(), models.Action{
		Type:  models.ActionSetContext,
		Key:   "derived",
		Value: "${base}-patched",
	}, "")
	require.NoError(t, err)

	value, ok := store.Get("derived")
	require.True(t, ok)
	assert.Equal(t, "v1-patched", value)
}

func TestBlankStateDeliveryFailureNotFatal(t *testing.T) {
	exec, store, fake := newTestExecutor(t)

	result, err := exec.Execute(context.Background(), models.Action{Type: models.ActionSpawnAgent}, "")
	require.NoError(t, err)

	id := result["instance_id"].(string)
	fake.SendErr = errors.New("session busy")

	out, err := exec.Execute(context.Background(), models.Action{
		Type: models.ActionReturnToBlankState,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, false, out["delivered"])
	assert.Equal(t, models.SessionStateIdle, store.Sessions()[id].State)
}
