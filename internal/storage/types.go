package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// DefaultRetention is the number of runs kept when Config.Retention is 0.
const DefaultRetention = 10000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   int
}

// Outcome of a run as recorded in the journal.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeDropped   = "dropped"
)

// RunRecord is one finished (or dropped) dispatch. Keep it compact and schema-stable.
type RunRecord struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Mode       string        `json:"mode"`
	Outcome    string        `json:"outcome"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started,omitempty"`
	Finished   time.Time     `json:"finished"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Deferred   bool          `json:"deferred,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Query selects recent runs, newest first. Empty Task matches every task.
type Query struct {
	Task  string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}
