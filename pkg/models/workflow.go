// Package models defines the core domain models for agent-session workflow orchestration.
package models

import "time"

// Default settings applied when a workflow definition leaves them unset.
const (
	DefaultPollIntervalSeconds = 5
	DefaultTimeoutSeconds      = 300
	DefaultInstanceRole        = RoleSpecialist
	DefaultWorkspaceMode       = WorkspaceModeShared
)

// Agent roles in the session hierarchy.
const (
	RoleExecutive  = "executive"
	RoleManager    = "manager"
	RoleSpecialist = "specialist"
)

// Workspace isolation modes for spawned sessions.
const (
	WorkspaceModeShared   = "shared"
	WorkspaceModeIsolated = "isolated"
)

// Settings holds the global execution settings of a workflow definition.
type Settings struct {
	PollInterval     int    `json:"poll_interval"     yaml:"poll_interval"`     // seconds between monitor checks
	Timeout          int    `json:"timeout"           yaml:"timeout"`           // default stage timeout, seconds
	InstanceRole     string `json:"instance_role"     yaml:"instance_role"`     // default role for spawned sessions
	WorkspaceMode    string `json:"workspace_mode"    yaml:"workspace_mode"`    // shared or isolated
	UseTaskIDs       bool   `json:"useTaskIds"        yaml:"useTaskIds"`        // task-id-scoped keyword detection
	RecurringKeyword string `json:"recurring_keyword" yaml:"recurring_keyword"` // blank-state trigger (persistent mode)
}

// ApplyDefaults fills unset settings with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollIntervalSeconds
	}

	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeoutSeconds
	}

	if s.InstanceRole == "" {
		s.InstanceRole = DefaultInstanceRole
	}

	if s.WorkspaceMode == "" {
		s.WorkspaceMode = DefaultWorkspaceMode
	}
}

// PollIntervalDuration returns the poll interval as a duration.
func (s Settings) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// TimeoutDuration returns the default stage timeout as a duration.
func (s Settings) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Stage is one unit of workflow progress, optionally gated by a trigger keyword.
//
// A stage with a prompt but no trigger keyword succeeds the instant its prompt
// is sent. A stage with no prompt is a pure action container and never touches
// the bridge.
type Stage struct {
	ID             string   `json:"id"              yaml:"id"              validate:"required"`
	Name           string   `json:"name"            yaml:"name"`
	Prompt         string   `json:"prompt"          yaml:"prompt"`
	TriggerKeyword string   `json:"trigger_keyword" yaml:"trigger_keyword"`
	Timeout        int      `json:"timeout"         yaml:"timeout"` // seconds; 0 uses the workflow default
	Target         string   `json:"target"          yaml:"target"`  // session selector; empty reuses the current session
	OnSuccess      []Action `json:"on_success"      yaml:"on_success"`
	OnFailure      []Action `json:"on_failure"      yaml:"on_failure"`
	OnTimeout      []Action `json:"on_timeout"      yaml:"on_timeout"`
}

// TimeoutDuration returns the stage timeout, falling back to the given default.
func (s *Stage) TimeoutDuration(fallback time.Duration) time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout) * time.Second
	}

	return fallback
}

// WorkflowDefinition is an immutable multi-stage workflow, loaded once per run.
type WorkflowDefinition struct {
	ID       string   `json:"id"       yaml:"id"`
	Name     string   `json:"name"     yaml:"name"    validate:"required,min=3"`
	Version  string   `json:"version"  yaml:"version"`
	Settings Settings `json:"settings" yaml:"settings"`
	Stages   []Stage  `json:"stages"   yaml:"stages"  validate:"required,min=1,dive"`
}

// StageByID returns the stage with the given id.
func (w *WorkflowDefinition) StageByID(id string) (*Stage, bool) {
	for i := range w.Stages {
		if w.Stages[i].ID == id {
			return &w.Stages[i], true
		}
	}

	return nil, false
}
