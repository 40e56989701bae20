package models

import "fmt"

// ActionType discriminates the declarative action records of a stage.
type ActionType string

// Bridge-backed and local action types, dispatched through the action registry.
const (
	ActionSpawnAgent         ActionType = "spawn_agent"
	ActionSendPrompt         ActionType = "send_prompt"
	ActionReadOutput         ActionType = "read_output"
	ActionListInstances      ActionType = "list_instances"
	ActionTerminate          ActionType = "terminate"
	ActionWait               ActionType = "wait"
	ActionSetContext         ActionType = "set_context"
	ActionLog                ActionType = "log"
	ActionReturnToBlankState ActionType = "return_to_blank_state"
)

// Control-flow action types, interpreted by the workflow engine itself.
const (
	ActionConditional      ActionType = "conditional"
	ActionParallel         ActionType = "parallel"
	ActionForeach          ActionType = "foreach"
	ActionNextStage        ActionType = "next_stage"
	ActionCompleteWorkflow ActionType = "complete_workflow"
)

// IsControlFlow reports whether the action type is interpreted by the engine
// rather than the action executor.
func (t ActionType) IsControlFlow() bool {
	switch t {
	case ActionConditional, ActionParallel, ActionForeach, ActionNextStage, ActionCompleteWorkflow:
		return true
	default:
		return false
	}
}

// FailurePolicy governs what happens when a single action fails.
type FailurePolicy string

const (
	FailureAbort     FailurePolicy = "abort" // default: propagate, short-circuit the list
	FailureContinue  FailurePolicy = "continue"
	FailureRetryOnce FailurePolicy = "retry_once"
)

// Action is a tagged record: a discriminator plus action-specific fields.
// Unused fields are left at their zero value by the definition loader.
type Action struct {
	Type ActionType `json:"type" yaml:"type" validate:"required"`
	Name string     `json:"name" yaml:"name"` // captured result name, optional

	// Bridge-backed fields.
	Target string `json:"target" yaml:"target"` // session id, "current", or a role
	Role   string `json:"role"   yaml:"role"`   // spawn_agent
	Prompt string `json:"prompt" yaml:"prompt"` // send_prompt
	Lines  int    `json:"lines"  yaml:"lines"`  // read_output

	// Local fields.
	Duration int    `json:"duration" yaml:"duration"` // wait, seconds
	Key      string `json:"key"      yaml:"key"`      // set_context
	Value    any    `json:"value"    yaml:"value"`    // set_context
	Message  string `json:"message"  yaml:"message"`  // log
	Level    string `json:"level"    yaml:"level"`    // log

	// Control-flow fields.
	Condition         string     `json:"condition"           yaml:"condition"` // conditional
	Then              []Action   `json:"then"                yaml:"then"`
	Else              []Action   `json:"else"                yaml:"else"`
	Branches          [][]Action `json:"branches"            yaml:"branches"` // parallel
	MaxConcurrent     int        `json:"max_concurrent"      yaml:"max_concurrent"`
	WaitAll           *bool      `json:"wait_all"            yaml:"wait_all"`
	ContinueOnFailure bool       `json:"continue_on_failure" yaml:"continue_on_failure"`
	Items             any        `json:"items"               yaml:"items"` // foreach: list or "${path}"
	ItemVar           string     `json:"item_var"            yaml:"item_var"`
	Body              []Action   `json:"body"                yaml:"body"`

	// Trailing transition: after this action succeeds, move to another stage
	// reusing the current session.
	NextStage string `json:"next_stage" yaml:"next_stage"`

	OnFailure FailurePolicy `json:"on_failure" yaml:"on_failure"`
}

// Policy returns the effective failure policy, defaulting to abort.
func (a *Action) Policy() FailurePolicy {
	if a.OnFailure == "" {
		return FailureAbort
	}

	return a.OnFailure
}

// WaitForAll reports whether a parallel action waits for all branches.
func (a *Action) WaitForAll() bool {
	return a.WaitAll == nil || *a.WaitAll
}

// UnknownActionError is returned when an action discriminator has no
// registered handler. Unknown actions are an explicit error, never a no-op.
type UnknownActionError struct {
	Type ActionType
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action type %q", string(e.Type))
}
