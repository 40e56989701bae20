package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusTimedOut  StageStatus = "timed_out"
	StageStatusFailed    StageStatus = "failed"
)

// StageRun records the execution of one stage.
type StageRun struct {
	Status    StageStatus `json:"status"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Output    string      `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
}

// Session states tracked for spawned agent sessions.
const (
	SessionStateActive = "active"
	SessionStateIdle   = "idle"
	SessionStateDead   = "dead"
)

// SessionInfo is the metadata kept for one tracked agent session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Stage     string    `json:"stage,omitempty"` // stage that spawned the session
	Workspace string    `json:"workspace,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// RunContext is the mutable state of one workflow execution. It is owned
// exclusively by one run and mutated only through the context store; it is
// persisted at explicit save points, not continuously.
type RunContext struct {
	RunID         string                  `json:"run_id"`
	WorkflowID    string                  `json:"workflow_id"`
	WorkflowName  string                  `json:"workflow_name"`
	Status        RunStatus               `json:"status"`
	StartedAt     time.Time               `json:"started_at"`
	EndedAt       *time.Time              `json:"ended_at,omitempty"`
	Settings      Settings                `json:"settings"`
	Stages        map[string]*StageRun    `json:"stages"`
	Sessions      map[string]*SessionInfo `json:"sessions"`
	Vars          map[string]any          `json:"vars"`
	ActionResults map[string]any          `json:"action_results"`
}

// NewRunContext creates a run context for one execution of the definition.
func NewRunContext(def *WorkflowDefinition) *RunContext {
	return &RunContext{
		RunID:         generateRunID(),
		WorkflowID:    def.ID,
		WorkflowName:  def.Name,
		Status:        RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		Settings:      def.Settings,
		Stages:        make(map[string]*StageRun),
		Sessions:      make(map[string]*SessionInfo),
		Vars:          make(map[string]any),
		ActionResults: make(map[string]any),
	}
}

func generateRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String()[:8])
}
