package engine

import (
	"context"
	"sort"
	"sync"
)

// lane is the single sequential execution lane: a queue ordered by
// (Due, Seq) and one worker goroutine (laneLoop).
type lane struct {
	mu      sync.Mutex
	queue   []*run
	current *run
	closed  bool
	notify  chan struct{}
}

func newLane() *lane {
	return &lane{notify: make(chan struct{}, 1)}
}

// push enqueues r, marking it deferred when it has to wait behind other
// work. r.deferred is set before r becomes visible to the lane loop.
func (l *lane) push(r *run) {
	l.mu.Lock()
	r.deferred = l.current != nil || len(l.queue) > 0
	i := sort.Search(len(l.queue), func(i int) bool {
		q := l.queue[i].task
		if !q.Due.Equal(r.task.Due) {
			return q.Due.After(r.task.Due)
		}
		return q.Seq > r.task.Seq
	})
	l.queue = append(l.queue, nil)
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = r
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// next pops the head of the queue and marks it current.
func (l *lane) next() (*run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if len(l.queue) == 0 {
		return nil, true
	}
	r := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.current = r
	return r, true
}

func (l *lane) finish() {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
}

// close stops the lane and returns the runs that never started.
func (l *lane) close() []*run {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	pending := l.queue
	l.queue = nil
	return pending
}

func (l *lane) snapshot() (busy bool, current string, queue []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		busy = true
		current = l.current.task.Name
	}
	for _, r := range l.queue {
		queue = append(queue, r.task.Name)
	}
	return busy, current, queue
}

// laneLoop executes sequential runs one at a time until the lane is closed.
// The run in progress when Stop is called always completes.
func (s *Service) laneLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		r, open := s.lane.next()
		if !open {
			return
		}
		if r == nil {
			select {
			case <-s.lane.notify:
				continue
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		res := s.execOne(r)
		// The lane counts as free before completion callbacks run, so a task
		// re-armed from OnDone is not considered deferred behind itself.
		s.lane.finish()
		if r.task.OnDone != nil {
			r.task.OnDone(res)
		}
	}
}
