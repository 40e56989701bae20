// Package bridge defines the narrow synchronous contract to the external
// session manager and its subprocess-backed implementation.
package bridge

import (
	"context"
	"fmt"
)

// Command names understood by the session manager.
type Command string

const (
	CommandSpawn     Command = "spawn"
	CommandSend      Command = "send"
	CommandRead      Command = "read"
	CommandList      Command = "list"
	CommandTerminate Command = "terminate"
)

// SpawnParams configures a new agent session.
type SpawnParams struct {
	Role          string `json:"role"`
	Workspace     string `json:"workspace,omitempty"`
	WorkspaceMode string `json:"workspace_mode,omitempty"`
}

// Instance describes one externally managed agent session.
type Instance struct {
	ID        string `json:"instanceId"`
	Role      string `json:"role,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Bridge is the boundary to the session manager: spawn, send, read, list and
// terminate, each a synchronous request/response round-trip.
type Bridge interface {
	Spawn(ctx context.Context, params SpawnParams) (*Instance, error)
	Send(ctx context.Context, instanceID, text string) error
	Read(ctx context.Context, instanceID string, lines int) (string, error)
	List(ctx context.Context) ([]Instance, error)
	Terminate(ctx context.Context, instanceID string) error
}

// OutputReader is the read-only slice of the bridge used by keyword monitors.
type OutputReader interface {
	Read(ctx context.Context, instanceID string, lines int) (string, error)
}

// Error is a normalized bridge failure: transport trouble, a non-zero exit,
// an unparsable response or an explicit success=false reply. Callers retry
// at the poll level rather than treating these as fatal.
type Error struct {
	Command Command
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bridge %s failed: %s", e.Command, e.Message)
	}

	return fmt.Sprintf("bridge %s failed: %v", e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a normalized bridge error for a command.
func NewError(command Command, message string, err error) *Error {
	return &Error{Command: command, Message: message, Err: err}
}
