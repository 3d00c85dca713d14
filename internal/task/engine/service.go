package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"ticklane/internal/eventbus"
	rtsup "ticklane/internal/runtime/supervisor"
	logx "ticklane/pkg/logx"
)

// Service executes dispatched tasks: sequential tasks on one dedicated lane
// goroutine, concurrent tasks on their own goroutines.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	running bool

	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	stopped chan struct{}

	lane *lane

	// Concurrent pool. sem is nil when unbounded.
	sem     chan struct{}
	poolWG  sync.WaitGroup
	waiting atomic.Int32

	// runBase parents every run context.
	runBase   context.Context
	runCancel context.CancelFunc

	runsMu sync.Mutex
	runs   map[string]*run

	hmu     sync.Mutex
	history []HistoryItem

	startedN  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	droppedN  atomic.Uint64
	failLog   *logx.Throttle
}

type run struct {
	id        string
	task      Task
	submitted time.Time
	deferred  bool

	cancel  context.CancelFunc
	aborted atomic.Bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		lane:    newLane(),
		runs:    map[string]*run{},
		failLog: logx.NewThrottle(5*time.Second, 3),
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the engine's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the sequential lane. It is a no-op when already running.
// The engine cannot be restarted after Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	// Runs and the lane outlive ctx; only Stop ends them.
	base := context.WithoutCancel(ctx)
	s.runBase, s.runCancel = context.WithCancel(base)
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	s.sup = rtsup.NewSupervisor(base,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	stopCh := s.stopCh
	s.mu.Unlock()

	sup.GoRestart("lane", func(c context.Context) error {
		s.laneLoop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("lane exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("task engine started",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Duration("shutdown_grace", cfg.ShutdownGrace),
	)
}

// Submit hands a due task to its execution mode without blocking.
//
// Sequential tasks join the lane queue in (Due, Seq) order. Concurrent tasks
// start immediately, or once a slot frees when MaxConcurrent is set.
func (s *Service) Submit(t Task) (string, error) {
	if t.Run == nil {
		return "", errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", errors.New("task Name is required")
	}
	if !t.Mode.Valid() {
		return "", fmt.Errorf("task %q: invalid mode %s", t.Name, t.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		if s.stopCh != nil {
			return "", ErrStopping
		}
		return "", ErrStopped
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}

	// Both branches run under s.mu so Stop never races a late submission.
	r := &run{id: uuid.NewString(), task: t, submitted: time.Now()}
	if t.Mode == Sequential {
		s.lane.push(r)
		return r.id, nil
	}
	s.poolWG.Add(1)
	go s.runPooled(r)
	return r.id, nil
}

func (s *Service) runPooled(r *run) {
	defer s.poolWG.Done()
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		default:
			s.waiting.Add(1)
			select {
			case s.sem <- struct{}{}:
				s.waiting.Add(-1)
				r.deferred = true
			case <-s.stopCh:
				s.waiting.Add(-1)
				s.onDropped(r, "shutdown")
				return
			}
		}
		defer func() { <-s.sem }()
	}
	res := s.execOne(r)
	if r.task.OnDone != nil {
		r.task.OnDone(res)
	}
}

// Stop stops accepting work, drops queued sequential runs that have not
// started, waits for the running sequential run, and waits up to
// ShutdownGrace for concurrent runs before cancelling them. Aborted runs are
// returned as *CancelledError values aggregated in a *multierror.Error.
//
// ctx bounds the whole wait; when it expires every remaining run is aborted.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		stopped := s.stopped
		s.mu.Unlock()
		if stopped != nil {
			select {
			case <-stopped:
			case <-ctx.Done():
			}
		}
		return nil
	}
	s.running = false
	pending := s.lane.close()
	close(s.stopCh)
	grace := s.cfg.ShutdownGrace
	sup := s.sup
	stopped := s.stopped
	s.mu.Unlock()
	defer close(stopped)

	begin := time.Now()
	s.log.Info("task engine stopping", logx.Duration("grace", grace))

	for _, r := range pending {
		s.onDropped(r, "shutdown")
	}

	var errs *multierror.Error

	poolDone := make(chan struct{})
	go func() {
		s.poolWG.Wait()
		close(poolDone)
	}()

	timer := time.NewTimer(grace)
	select {
	case <-poolDone:
		timer.Stop()
	case <-timer.C:
		errs = multierror.Append(errs, s.abort(Concurrent)...)
		select {
		case <-poolDone:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		timer.Stop()
	}

	select {
	case <-sup.Done():
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		errs = multierror.Append(errs, s.abort(Sequential)...)
		errs = multierror.Append(errs, s.abort(Concurrent)...)
		errs = multierror.Append(errs, fmt.Errorf("task engine stop: %w", ctx.Err()))
	}
	sup.Cancel()
	s.runCancel()

	if err := errs.ErrorOrNil(); err != nil {
		s.log.Warn("task engine stopped with aborted runs", logx.Int("aborted", errs.Len()), logx.Duration("took", time.Since(begin)))
		return err
	}
	s.log.Info("task engine stopped", logx.Duration("took", time.Since(begin)))
	return nil
}

// abort cancels every in-flight run of the given mode and returns one
// *CancelledError per run.
func (s *Service) abort(mode Mode) []error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	var out []error
	for _, r := range s.runs {
		if r.task.Mode != mode || !r.aborted.CompareAndSwap(false, true) {
			continue
		}
		r.cancel()
		out = append(out, &CancelledError{Task: r.task.Name, RunID: r.id})
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	s.mu.Unlock()

	busy, current, queue := s.lane.snapshot()

	inFlight := 0
	s.runsMu.Lock()
	for _, r := range s.runs {
		if r.task.Mode == Concurrent {
			inFlight++
		}
	}
	s.runsMu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		LaneBusy:       busy,
		LaneCurrent:    current,
		LaneQueue:      queue,
		MaxConcurrent:  cfg.MaxConcurrent,
		InFlight:       inFlight,
		WaitingForSlot: int(s.waiting.Load()),
		Started:        s.startedN.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Cancelled:      s.cancelled.Load(),
		Dropped:        s.droppedN.Load(),
		ShutdownGrace:  cfg.ShutdownGrace,
		DefaultTimeout: cfg.DefaultTimeout,
		History:        h,
	}
}

func (s *Service) onDropped(r *run, reason string) {
	s.droppedN.Add(1)
	now := time.Now()
	s.publish(eventbus.TaskDropped, now, r, time.Time{}, 0, reason)
	s.log.Debug("task dropped", logx.String("task", r.task.Name), logx.String("id", r.id), logx.String("reason", reason))
}

func (s *Service) publish(typ string, at time.Time, r *run, started time.Time, dur time.Duration, errStr string) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		ID:       r.id,
		Name:     r.task.Name,
		Mode:     r.task.Mode.String(),
		Due:      r.task.Due,
		Started:  started,
		Duration: dur,
		Deferred: r.deferred,
		Error:    errStr,
	}
	if !started.IsZero() {
		ev.QueueDelay = nonNeg(started.Sub(r.task.Due))
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func nonNeg(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
