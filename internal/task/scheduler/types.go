package scheduler

import (
	"context"
	"fmt"
	"time"

	"ticklane/internal/task/engine"
	"ticklane/internal/task/trigger"
)

// Config controls the scheduler.
type Config struct {
	// DefaultZone applies to cron specs registered without a zone.
	DefaultZone string
}

// Work is a unit of work. A returned error (or panic) is reported and the task
// re-arms as if it had succeeded.
type Work func(ctx context.Context) error

// DispatchMode re-exports the engine execution modes.
type DispatchMode = engine.Mode

const (
	Sequential = engine.Sequential
	Concurrent = engine.Concurrent
)

type HistoryItem = engine.HistoryItem

// State is the run state of a handle.
type State int

const (
	Idle State = iota
	Running
	// Stopped is final: set for every handle on shutdown.
	Stopped
	// Disabled is final: the trigger can no longer produce a due time.
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TaskSpec is the configuration form of a registration.
type TaskSpec struct {
	Name    string
	Trigger trigger.Spec
	Mode    string
	Timeout time.Duration
	Work    Work
}

// TaskOption adjusts a registration.
type TaskOption func(*Handle)

// WithTimeout bounds each run of the task. 0 uses the engine default.
func WithTimeout(d time.Duration) TaskOption {
	return func(h *Handle) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// TaskSnapshot is a read-only view of a handle.
type TaskSnapshot struct {
	Name           string        `json:"name"`
	Mode           string        `json:"mode"`
	Policy         string        `json:"policy"`
	State          State         `json:"state"`
	InFlight       int           `json:"in_flight"`
	Queued         int           `json:"queued"`
	LastRun        time.Time     `json:"last_run"`
	LastScheduled  time.Time     `json:"last_scheduled"`
	LastCompletion time.Time     `json:"last_completion"`
	LastError      string        `json:"last_error,omitempty"`
	NextDue        time.Time     `json:"next_due"`
	Runs           uint64        `json:"runs"`
	Failures       uint64        `json:"failures"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// Snapshot is a read-only view of the scheduler.
type Snapshot struct {
	Running    bool            `json:"running"`
	Tasks      []TaskSnapshot  `json:"tasks"`
	Armed      int             `json:"armed"`
	Dispatched uint64          `json:"dispatched"`
	Clamped    uint64          `json:"clamped"`
	Wakeups    uint64          `json:"wakeups"`
	Engine     engine.Snapshot `json:"engine"`
}

// DueEvent is published for scheduler-side decisions (armed, clamped, disabled).
type DueEvent struct {
	Name   string    `json:"name"`
	Due    time.Time `json:"due"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}
