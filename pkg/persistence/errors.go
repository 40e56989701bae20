// Package persistence provides standardized error types for persistence
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound indicates a run context was not found by its identifier.
	ErrRunNotFound = errors.New("run context not found")
)

// RunError wraps run-context persistence errors with operation context.
type RunError struct {
	Op    string // operation being performed, e.g. "Save", "GetByID"
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a run persistence error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// IsRunNotFound checks whether an error indicates a missing run context.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
