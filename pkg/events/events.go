// Package events defines the typed lifecycle events emitted by the
// orchestration engine for external monitoring. Events never feed back into
// the engine's own decision logic.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every orchestration lifecycle event.
const Topic = "agentmux.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle.
	WorkflowStartedEvent   EventType = "workflow.started"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowTimeoutEvent   EventType = "workflow.timeout"

	// Stage lifecycle.
	StageStartedEvent   EventType = "stage.started"
	StageCompletedEvent EventType = "stage.completed"
	StageTimedOutEvent  EventType = "stage.timed_out"
	StageFailedEvent    EventType = "stage.failed"

	// Action lifecycle.
	ActionStartedEvent   EventType = "action.started"
	ActionCompletedEvent EventType = "action.completed"
	ActionFailedEvent    EventType = "action.failed"

	// Persistent-engine lifecycle.
	BlankStateReadyEvent  EventType = "blank_state.ready"
	MonitorErrorEvent     EventType = "monitor.error"
	InstanceDeadEvent     EventType = "instance.dead"
	WorkflowStuckEvent    EventType = "workflow.stuck"
	WorkflowConflictEvent EventType = "workflow.conflict"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, runID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type WorkflowStarted struct {
	BaseEvent

	WorkflowName string `json:"workflow_name"`
	Persistent   bool   `json:"persistent"`
}

func (e WorkflowStarted) GetType() EventType { return WorkflowStartedEvent }

type WorkflowCompleted struct {
	BaseEvent

	Duration       time.Duration `json:"duration"`
	StagesExecuted int           `json:"stages_executed"`
}

func (e WorkflowCompleted) GetType() EventType { return WorkflowCompletedEvent }

type WorkflowFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	StageID  string        `json:"stage_id,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e WorkflowFailed) GetType() EventType { return WorkflowFailedEvent }

type WorkflowTimeout struct {
	BaseEvent

	StageID string        `json:"stage_id"`
	Timeout time.Duration `json:"timeout"`
}

func (e WorkflowTimeout) GetType() EventType { return WorkflowTimeoutEvent }

type StageStarted struct {
	BaseEvent

	StageID   string `json:"stage_id"`
	StageName string `json:"stage_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (e StageStarted) GetType() EventType { return StageStartedEvent }

type StageCompleted struct {
	BaseEvent

	StageID  string        `json:"stage_id"`
	Duration time.Duration `json:"duration"`
}

func (e StageCompleted) GetType() EventType { return StageCompletedEvent }

type StageTimedOut struct {
	BaseEvent

	StageID string        `json:"stage_id"`
	Keyword string        `json:"keyword"`
	Timeout time.Duration `json:"timeout"`
	Attempt int           `json:"attempt"`
}

func (e StageTimedOut) GetType() EventType { return StageTimedOutEvent }

type StageFailed struct {
	BaseEvent

	StageID string `json:"stage_id"`
	Error   string `json:"error"`
}

func (e StageFailed) GetType() EventType { return StageFailedEvent }

type ActionStarted struct {
	BaseEvent

	StageID    string `json:"stage_id"`
	ActionType string `json:"action_type"`
}

func (e ActionStarted) GetType() EventType { return ActionStartedEvent }

type ActionCompleted struct {
	BaseEvent

	StageID    string        `json:"stage_id"`
	ActionType string        `json:"action_type"`
	Duration   time.Duration `json:"duration"`
}

func (e ActionCompleted) GetType() EventType { return ActionCompletedEvent }

type ActionFailed struct {
	BaseEvent

	StageID    string `json:"stage_id"`
	ActionType string `json:"action_type"`
	Error      string `json:"error"`
	Policy     string `json:"policy"`
}

func (e ActionFailed) GetType() EventType { return ActionFailedEvent }

type BlankStateReady struct {
	BaseEvent

	SessionID string `json:"session_id"`
}

func (e BlankStateReady) GetType() EventType { return BlankStateReadyEvent }

type MonitorError struct {
	BaseEvent

	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

func (e MonitorError) GetType() EventType { return MonitorErrorEvent }

type InstanceDead struct {
	BaseEvent

	SessionID     string `json:"session_id"`
	ReplacementID string `json:"replacement_id,omitempty"`
}

func (e InstanceDead) GetType() EventType { return InstanceDeadEvent }

type WorkflowStuck struct {
	BaseEvent

	SessionID string        `json:"session_id"`
	StuckFor  time.Duration `json:"stuck_for"`
}

func (e WorkflowStuck) GetType() EventType { return WorkflowStuckEvent }

type WorkflowConflict struct {
	BaseEvent

	SessionA  string `json:"session_a"`
	SessionB  string `json:"session_b"`
	Workspace string `json:"workspace"`
}

func (e WorkflowConflict) GetType() EventType { return WorkflowConflictEvent }
