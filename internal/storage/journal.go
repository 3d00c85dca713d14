package storage

import (
	"context"
	"sync/atomic"
	"time"

	"ticklane/internal/eventbus"
	"ticklane/internal/task/engine"
	logx "ticklane/pkg/logx"
)

var outcomes = map[string]string{
	eventbus.TaskSucceeded: OutcomeSucceeded,
	eventbus.TaskFailed:    OutcomeFailed,
	eventbus.TaskCancelled: OutcomeCancelled,
	eventbus.TaskDropped:   OutcomeDropped,
}

// Journal copies finished-run events from the bus into a Store. It subscribes
// on construction so nothing published before Run is lost.
type Journal struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
	ch      <-chan eventbus.Event
	unsub   func()

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewJournal(store Store, bus eventbus.Bus, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256,
		eventbus.TaskSucceeded, eventbus.TaskFailed, eventbus.TaskCancelled, eventbus.TaskDropped)
	return &Journal{store: store, bus: bus, log: log, timeout: 2 * time.Second, ch: ch, unsub: unsub}
}

func (j *Journal) Written() uint64 { return j.written.Load() }
func (j *Journal) Failed() uint64  { return j.failed.Load() }

// Run records events until ctx is done, then drains what is already buffered.
func (j *Journal) Run(ctx context.Context) error {
	defer j.unsub()
	ch := j.ch
	for {
		select {
		case ev := <-ch:
			j.record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-ch:
					j.record(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) record(ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	r := RunRecord{
		ID:         te.ID,
		Task:       te.Name,
		Mode:       te.Mode,
		Outcome:    outcomes[ev.Type],
		Due:        te.Due,
		Started:    te.Started,
		Finished:   ev.Time,
		QueueDelay: te.QueueDelay,
		Duration:   te.Duration,
		Deferred:   te.Deferred,
		Error:      te.Error,
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.store.AppendRun(ctx, r); err != nil {
		j.failed.Add(1)
		j.log.Warn("run journal append failed", logx.String("task", r.Task), logx.Err(err))
		return
	}
	j.written.Add(1)
}
