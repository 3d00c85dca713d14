// Package jobs holds the built-in job bodies that configuration can bind to
// a task by name.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ticklane/internal/task/scheduler"
	logx "ticklane/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

// ArgsError reports job arguments that could not be decoded or validated.
type ArgsError struct {
	Job string
	Err error
}

func (e *ArgsError) Error() string { return fmt.Sprintf("job %q: args: %v", e.Job, e.Err) }
func (e *ArgsError) Unwrap() error { return e.Err }

// Factory builds a job body from its raw JSON arguments. log already carries
// the task name.
type Factory func(args json.RawMessage, log logx.Logger) (scheduler.Work, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in jobs.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.MustRegister("sleep", newSleep)
	r.MustRegister("log", newLog)
	r.MustRegister("fail", newFail)
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || f == nil {
		return fmt.Errorf("jobs: invalid registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("jobs: %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Build resolves a job by name and decodes its arguments.
func (r *Registry) Build(name string, args json.RawMessage, log logx.Logger) (scheduler.Work, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f := r.factories[key]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownJob, name, strings.Join(r.Names(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w, err := f(args, log)
	if err != nil {
		return nil, &ArgsError{Job: key, Err: err}
	}
	return w, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// decodeArgs strictly decodes raw into dst. Empty or null args leave dst untouched.
func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
