package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTask = errors.New("duplicate task name")
	ErrInvalidName   = errors.New("invalid task name")
	ErrNilWork       = errors.New("task work is nil")
	ErrInvalidMode   = errors.New("invalid dispatch mode")
	ErrNilPolicy     = errors.New("trigger policy is nil")
	ErrStopped       = errors.New("scheduler stopped")
	ErrUnknownTask   = errors.New("unknown task")
)

// RegistrationError rejects a task before it joins the schedule. Err is one of
// the sentinels above, a *trigger.PolicyError or a *cronexpr.ParseError.
type RegistrationError struct {
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register task %q: %v", e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
