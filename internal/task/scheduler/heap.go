package scheduler

import (
	"container/heap"
	"time"
)

type armedEntry struct {
	due time.Time
	h   *Handle
}

// dueHeap orders armed handles by (due, registration sequence).
type dueHeap []armedEntry

func (q dueHeap) Len() int { return len(q) }

func (q dueHeap) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].h.seq < q[j].h.seq
}

func (q dueHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *dueHeap) Push(x any) { *q = append(*q, x.(armedEntry)) }

func (q *dueHeap) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = armedEntry{}
	*q = old[:n-1]
	return e
}

func (q *dueHeap) push(due time.Time, h *Handle) { heap.Push(q, armedEntry{due: due, h: h}) }

// peek returns the earliest entry without removing it.
func (q dueHeap) peek() (armedEntry, bool) {
	if len(q) == 0 {
		return armedEntry{}, false
	}
	return q[0], true
}

// popDue removes and returns, in order, every entry due at or before now.
func (q *dueHeap) popDue(now time.Time) []armedEntry {
	var out []armedEntry
	for q.Len() > 0 && !(*q)[0].due.After(now) {
		out = append(out, heap.Pop(q).(armedEntry))
	}
	return out
}
