package scheduler

import (
	"errors"
	"sync"
	"time"

	"ticklane/internal/task/engine"
	"ticklane/internal/task/trigger"
)

// Handle binds a unit of work to a trigger policy and a dispatch mode.
//
// Fields under mu are written only by the scheduler loop and by the goroutine
// completing a run of this handle.
type Handle struct {
	name    string
	seq     uint64
	policy  trigger.Policy
	mode    DispatchMode
	work    Work
	timeout time.Duration

	mu             sync.Mutex
	state          State
	inFlight       int
	queued         int
	due            time.Time
	lastRun        time.Time
	lastScheduled  time.Time
	lastCompletion time.Time
	lastErr        error
	runs           uint64
	failures       uint64
}

func (h *Handle) Name() string           { return h.name }
func (h *Handle) Policy() trigger.Policy { return h.policy }
func (h *Handle) Mode() DispatchMode     { return h.mode }

// DueAt returns the cached next due time. Zero once the handle is Disabled
// or while a run that re-arms on completion is outstanding.
func (h *Handle) DueAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.due
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the error of the most recent finished run, nil after a success.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// rearmsOnCompletion reports whether the next due time is computed when a run
// finishes rather than when it is dispatched.
func (h *Handle) rearmsOnCompletion() bool {
	return h.mode == Sequential || h.policy.NeedsCompletion()
}

// triggerContext is the history the trigger sees. Call with h.mu held.
func (h *Handle) triggerContext(now time.Time) trigger.Context {
	return trigger.Context{LastCompletion: h.lastCompletion, LastScheduled: h.lastScheduled, Now: now}
}

func (h *Handle) setDue(due time.Time) {
	h.mu.Lock()
	h.due = due
	h.mu.Unlock()
}

// markQueued records a dispatch handed to the engine that has not started yet.
func (h *Handle) markQueued(due time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Stopped || h.state == Disabled {
		return false
	}
	h.queued++
	if h.rearmsOnCompletion() {
		h.due = time.Time{}
	}
	return true
}

func (h *Handle) unqueue() {
	h.mu.Lock()
	if h.queued > 0 {
		h.queued--
	}
	h.mu.Unlock()
}

// markDispatched records a run start. lastScheduled is the due instant, or
// the actual start when a sequential run had to wait for the lane; the latter
// is what makes fixed-rate tasks sharing the lane drift.
func (h *Handle) markDispatched(due, start time.Time, deferred bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queued > 0 {
		h.queued--
	}
	h.inFlight++
	h.runs++
	h.lastRun = start
	scheduled := due
	if deferred && h.mode == Sequential {
		scheduled = start
	}
	if scheduled.After(h.lastScheduled) {
		h.lastScheduled = scheduled
	}
	if h.state == Idle {
		h.state = Running
	}
}

// markCompleted records a finished run and reports whether the scheduler must
// compute and arm the next due time now.
func (h *Handle) markCompleted(now time.Time, err error) (rearm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight > 0 {
		h.inFlight--
	}
	h.lastCompletion = now
	h.lastErr = err
	if err != nil && !errors.Is(err, engine.ErrCancelledOnShutdown) {
		h.failures++
	}
	if h.state == Running && h.inFlight == 0 {
		h.state = Idle
	}
	return h.state != Stopped && h.state != Disabled && h.rearmsOnCompletion()
}

func (h *Handle) disable() {
	h.mu.Lock()
	if h.state != Stopped {
		h.state = Disabled
	}
	h.due = time.Time{}
	h.mu.Unlock()
}

func (h *Handle) stop() {
	h.mu.Lock()
	h.state = Stopped
	h.due = time.Time{}
	h.queued = 0
	h.mu.Unlock()
}

// Snapshot returns a read-only view of the handle.
func (h *Handle) Snapshot() TaskSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := TaskSnapshot{
		Name:           h.name,
		Mode:           h.mode.String(),
		Policy:         h.policy.String(),
		State:          h.state,
		InFlight:       h.inFlight,
		Queued:         h.queued,
		LastRun:        h.lastRun,
		LastScheduled:  h.lastScheduled,
		LastCompletion: h.lastCompletion,
		NextDue:        h.due,
		Runs:           h.runs,
		Failures:       h.failures,
		Timeout:        h.timeout,
	}
	if h.lastErr != nil {
		ts.LastError = h.lastErr.Error()
	}
	return ts
}
