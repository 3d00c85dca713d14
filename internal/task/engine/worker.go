package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"ticklane/internal/eventbus"
	logx "ticklane/pkg/logx"
)

// execOne runs a single dispatch on the calling goroutine and reports it.
// Body failures and panics never escape; they come back in Result.Err.
func (s *Service) execOne(r *run) Result {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.runBase, r.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.runBase)
	}
	defer cancel()
	r.cancel = cancel

	s.runsMu.Lock()
	s.runs[r.id] = r
	s.runsMu.Unlock()
	defer func() {
		s.runsMu.Lock()
		delete(s.runs, r.id)
		s.runsMu.Unlock()
	}()

	start := time.Now()
	s.startedN.Add(1)
	if r.task.OnStart != nil {
		r.task.OnStart(r.id, start, r.deferred)
	}
	s.log.Debug("task.started",
		logx.String("task", r.task.Name),
		logx.String("id", r.id),
		logx.String("mode", r.task.Mode.String()),
		logx.Duration("queue_delay", nonNeg(start.Sub(r.task.Due))),
		logx.Bool("deferred", r.deferred),
	)
	s.publish(eventbus.TaskStarted, start, r, start, 0, "")

	var (
		bodyErr  error
		panicked bool
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = true
				bodyErr = fmt.Errorf("%v", p)
				s.log.Error("task.panic", logx.String("task", r.task.Name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
		}()
		bodyErr = r.task.Run(ctx)
	}()

	finish := time.Now()
	dur := finish.Sub(start)
	res := Result{
		ID:       r.id,
		Name:     r.task.Name,
		Mode:     r.task.Mode,
		Due:      r.task.Due,
		Started:  start,
		Finished: finish,
		Deferred: r.deferred,
	}

	switch {
	case r.aborted.Load():
		res.Err = &CancelledError{Task: r.task.Name, RunID: r.id, Cause: ignoreCanceled(bodyErr)}
		s.cancelled.Add(1)
		s.log.Warn("task.cancelled", logx.String("task", r.task.Name), logx.String("id", r.id), logx.Duration("dur", dur))
		s.publish(eventbus.TaskCancelled, finish, r, start, dur, res.Err.Error())
	case bodyErr != nil:
		res.Err = &TaskExecutionError{Task: r.task.Name, RunID: r.id, Panic: panicked, Err: bodyErr}
		s.failed.Add(1)
		if ok, suppressed := s.failLog.Allow(r.task.Name, finish); ok {
			fields := []logx.Field{logx.String("task", r.task.Name), logx.String("id", r.id), logx.Err(bodyErr), logx.Duration("dur", dur)}
			if suppressed > 0 {
				fields = append(fields, logx.Uint64("suppressed", suppressed))
			}
			s.log.Warn("task.failed", fields...)
		}
		s.publish(eventbus.TaskFailed, finish, r, start, dur, bodyErr.Error())
	default:
		s.succeeded.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", r.task.Name), logx.String("id", r.id), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", r.task.Name), logx.String("id", r.id), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskSucceeded, finish, r, start, dur, "")
	}

	item := HistoryItem{
		ID:         r.id,
		Name:       r.task.Name,
		Mode:       r.task.Mode.String(),
		Due:        r.task.Due,
		Started:    start,
		QueueDelay: nonNeg(start.Sub(r.task.Due)),
		Duration:   dur,
	}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	s.record(item)
	return res
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
