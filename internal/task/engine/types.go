package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	// MaxConcurrent bounds concurrent runs. 0 means unbounded.
	MaxConcurrent int

	// ShutdownGrace is how long Stop waits for concurrent runs before
	// cancelling them. 0 cancels immediately.
	ShutdownGrace time.Duration

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

// Mode selects where a task body executes.
type Mode int

const (
	// Sequential runs on the single shared lane, one at a time, in due order.
	Sequential Mode = iota
	// Concurrent runs on its own goroutine; runs of the same task may overlap.
	Concurrent
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) Valid() bool { return m == Sequential || m == Concurrent }

// ParseMode accepts "sequential" (default when empty) and "concurrent".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential", "serial":
		return Sequential, nil
	case "concurrent", "parallel":
		return Concurrent, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode %q (use sequential or concurrent)", s)
	}
}

// Task is one dispatch of a unit of work.
//
// Seq orders tasks with equal Due on the sequential lane. OnStart runs on the
// executing goroutine right before Run; OnDone runs after Run returned, or
// never when the dispatch was dropped before starting.
type Task struct {
	Name    string
	Mode    Mode
	Due     time.Time
	Seq     uint64
	Timeout time.Duration
	Run     func(ctx context.Context) error

	OnStart func(runID string, started time.Time, deferred bool)
	OnDone  func(Result)
}

// Result describes a finished run.
type Result struct {
	ID       string
	Name     string
	Mode     Mode
	Due      time.Time
	Started  time.Time
	Finished time.Time
	Deferred bool
	Err      error
}

func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Mode       string        `json:"mode"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Mode       string        `json:"mode"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Deferred   bool          `json:"deferred,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running bool `json:"running"`

	LaneBusy    bool     `json:"lane_busy"`
	LaneCurrent string   `json:"lane_current,omitempty"`
	LaneQueue   []string `json:"lane_queue,omitempty"`

	MaxConcurrent  int `json:"max_concurrent"`
	InFlight       int `json:"in_flight"`
	WaitingForSlot int `json:"waiting_for_slot"`

	Started   uint64 `json:"started"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Dropped   uint64 `json:"dropped"`

	ShutdownGrace  time.Duration `json:"shutdown_grace"`
	DefaultTimeout time.Duration `json:"default_timeout"`

	History []HistoryItem `json:"history"`
}
