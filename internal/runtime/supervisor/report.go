package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Routine aggregates every goroutine started under one name.
type Routine struct {
	Name      string        `json:"name"`
	Active    int           `json:"active"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at,omitempty"`
	Uptime    time.Duration `json:"last_uptime"`
	LastErr   string        `json:"last_err,omitempty"`
	LastPanic string        `json:"last_panic,omitempty"`
}

// Report is a point-in-time view for the status endpoint.
type Report struct {
	Active     int       `json:"active"`
	FirstError string    `json:"first_error,omitempty"`
	Routines   []Routine `json:"routines"`
}

// Report lists routines, active ones first. A nil supervisor reports nothing.
func (s *Supervisor) Report() Report {
	if s == nil {
		return Report{}
	}
	r := Report{Routines: s.book.list()}
	for _, rt := range r.Routines {
		r.Active += rt.Active
	}
	if err := s.Err(); err != nil {
		r.FirstError = err.Error()
	}
	return r
}

type ledger struct {
	mu   sync.Mutex
	byID map[string]*Routine
}

func (l *ledger) with(name string, fn func(*Routine)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[string]*Routine)
	}
	rt, ok := l.byID[name]
	if !ok {
		rt = &Routine{Name: name}
		l.byID[name] = rt
	}
	fn(rt)
}

func (l *ledger) begin(name string, restart bool) time.Time {
	now := time.Now()
	l.with(name, func(rt *Routine) {
		rt.Active++
		rt.Runs++
		rt.StartedAt = now
		if restart {
			rt.Restarts++
		}
	})
	return now
}

func (l *ledger) end(name string, since time.Time, err error) {
	now := time.Now()
	l.with(name, func(rt *Routine) {
		rt.Active = max(rt.Active-1, 0)
		rt.StoppedAt = now
		rt.Uptime = now.Sub(since)
		if err != nil {
			rt.LastErr = err.Error()
		}
	})
}

func (l *ledger) panicked(name string, v any) {
	l.with(name, func(rt *Routine) {
		rt.Panics++
		rt.LastPanic = fmt.Sprint(v)
	})
}

func (l *ledger) list() []Routine {
	l.mu.Lock()
	out := make([]Routine, 0, len(l.byID))
	for _, rt := range l.byID {
		out = append(out, *rt)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Active > 0) != (out[j].Active > 0) {
			return out[i].Active > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}
