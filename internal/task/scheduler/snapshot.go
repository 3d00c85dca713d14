package scheduler

import (
	"sort"
	"time"

	"ticklane/internal/task/trigger"
)

// Snapshot returns per-task views ordered by next due time (unarmed tasks
// last, ties in registration order) together with engine statistics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	handles := append([]*Handle(nil), s.order...)
	armed := s.queue.Len()
	s.mu.Unlock()

	tasks := make([]TaskSnapshot, 0, len(handles))
	for _, h := range handles {
		tasks = append(tasks, h.Snapshot())
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].NextDue, tasks[j].NextDue
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.Before(b)
		}
	})

	return Snapshot{
		Running:    running,
		Tasks:      tasks,
		Armed:      armed,
		Dispatched: s.dispatched.Load(),
		Clamped:    s.clamped.Load(),
		Wakeups:    s.wakeups.Load(),
		Engine:     s.engine.Snapshot(),
	}
}

// Preview returns up to n upcoming due times of the named task, starting at
// its armed due time. Fixed-delay tasks are projected as if every run took no
// time. Disabled and stopped tasks have no preview.
func (s *Service) Preview(name string, n int) ([]time.Time, error) {
	h, err := s.Task(name)
	if err != nil {
		return nil, err
	}
	from := h.DueAt()
	if from.IsZero() {
		switch h.State() {
		case Disabled, Stopped:
			return nil, nil
		}
		h.mu.Lock()
		tc := h.triggerContext(s.now())
		h.mu.Unlock()
		if from, err = trigger.NextExecutionTime(h.policy, tc); err != nil {
			return nil, err
		}
	}
	return previewFrom(h.policy, from, n)
}

func previewFrom(p trigger.Policy, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 || from.IsZero() {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	cur := from
	for {
		out = append(out, cur)
		if len(out) == n {
			return out, nil
		}
		next, err := trigger.NextExecutionTime(p, trigger.Context{LastCompletion: cur, LastScheduled: cur, Now: cur})
		if err != nil {
			return out, err
		}
		cur = next
	}
}
