package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped  = errors.New("task engine stopped")
	ErrStopping = errors.New("task engine stopping")

	// ErrCancelledOnShutdown marks runs aborted after the shutdown grace period.
	ErrCancelledOnShutdown = errors.New("cancelled on shutdown")
)

// TaskExecutionError wraps a failure returned (or panicked) by a task body.
type TaskExecutionError struct {
	Task  string
	RunID string
	Panic bool
	Err   error
}

func (e *TaskExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("task %q run %s panicked: %v", e.Task, e.RunID, e.Err)
	}
	return fmt.Sprintf("task %q run %s failed: %v", e.Task, e.RunID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// CancelledError reports a run aborted by shutdown. It matches
// ErrCancelledOnShutdown under errors.Is; Cause is what the body returned, if
// anything.
type CancelledError struct {
	Task  string
	RunID string
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("task %q run %s %s: %v", e.Task, e.RunID, ErrCancelledOnShutdown, e.Cause)
	}
	return fmt.Sprintf("task %q run %s %s", e.Task, e.RunID, ErrCancelledOnShutdown)
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelledOnShutdown}
	}
	return []error{ErrCancelledOnShutdown, e.Cause}
}
