package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsApplyDefaults(t *testing.T) {
	var s Settings

	s.ApplyDefaults()

	assert.Equal(t, DefaultPollIntervalSeconds, s.PollInterval)
	assert.Equal(t, DefaultTimeoutSeconds, s.Timeout)
	assert.Equal(t, RoleSpecialist, s.InstanceRole)
	assert.Equal(t, WorkspaceModeShared, s.WorkspaceMode)
}

func TestSettingsApplyDefaultsKeepsExplicit(t *testing.T) {
	s := Settings{PollInterval: 2, Timeout: 60, InstanceRole: RoleExecutive, WorkspaceMode: WorkspaceModeIsolated}

	s.ApplyDefaults()

	assert.Equal(t, 2, s.PollInterval)
	assert.Equal(t, 60, s.Timeout)
	assert.Equal(t, RoleExecutive, s.InstanceRole)
	assert.Equal(t, WorkspaceModeIsolated, s.WorkspaceMode)
}

func defaultedSettings() Settings {
	var s Settings

	s.ApplyDefaults()

	return s
}

func TestSettingsDurationsOnValue(t *testing.T) {
	// Settings travel by value through the run context; the duration
	// accessors must work on a non-addressable copy.
	assert.Equal(t, time.Duration(DefaultPollIntervalSeconds)*time.Second, defaultedSettings().PollIntervalDuration())
	assert.Equal(t, time.Duration(DefaultTimeoutSeconds)*time.Second, defaultedSettings().TimeoutDuration())
}

func TestStageTimeoutFallback(t *testing.T) {
	stage := Stage{ID: "s"}
	assert.Equal(t, 5*time.Minute, stage.TimeoutDuration(5*time.Minute))

	stage.Timeout = 30
	assert.Equal(t, 30*time.Second, stage.TimeoutDuration(5*time.Minute))
}

func TestActionPolicyDefaultsToAbort(t *testing.T) {
	action := Action{Type: ActionLog}
	assert.Equal(t, FailureAbort, action.Policy())

	action.OnFailure = FailureRetryOnce
	assert.Equal(t, FailureRetryOnce, action.Policy())
}

func TestActionWaitForAll(t *testing.T) {
	action := Action{Type: ActionParallel}
	assert.True(t, action.WaitForAll())

	no := false
	action.WaitAll = &no
	assert.False(t, action.WaitForAll())
}

func TestIsControlFlow(t *testing.T) {
	assert.True(t, ActionConditional.IsControlFlow())
	assert.True(t, ActionParallel.IsControlFlow())
	assert.True(t, ActionForeach.IsControlFlow())
	assert.True(t, ActionNextStage.IsControlFlow())
	assert.True(t, ActionCompleteWorkflow.IsControlFlow())

	assert.False(t, ActionSpawnAgent.IsControlFlow())
	assert.False(t, ActionSendPrompt.IsControlFlow())
	assert.False(t, ActionWait.IsControlFlow())
}

func TestStageByID(t *testing.T) {
	def := WorkflowDefinition{Stages: []Stage{{ID: "a"}, {ID: "b"}}}

	stage, ok := def.StageByID("b")
	require.True(t, ok)
	assert.Equal(t, "b", stage.ID)

	_, ok = def.StageByID("ghost")
	assert.False(t, ok)
}

func TestNewRunContext(t *testing.T) {
	def := &WorkflowDefinition{
		ID:   "wf-1",
		Name: "named workflow",
		Settings: Settings{
			PollInterval: 1,
		},
		Stages: []Stage{{ID: "a"}},
	}

	run := NewRunContext(def)

	assert.NotEmpty(t, run.RunID)
	assert.Contains(t, run.RunID, "run-")
	assert.Equal(t, "wf-1", run.WorkflowID)
	assert.Equal(t, "named workflow", run.WorkflowName)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NotNil(t, run.Vars)
	assert.NotNil(t, run.Stages)
	assert.NotNil(t, run.Sessions)
	assert.NotNil(t, run.ActionResults)

	// Run ids are unique per execution.
	assert.NotEqual(t, run.RunID, NewRunContext(def).RunID)
}
