package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ticklane/internal/eventbus"
	rtsup "ticklane/internal/runtime/supervisor"
	"ticklane/internal/task/cronexpr"
	"ticklane/internal/task/engine"
	"ticklane/internal/task/trigger"
	logx "ticklane/pkg/logx"
)

// idleWait bounds a sleep when nothing is armed; registration wakes the loop earlier.
const idleWait = time.Minute

// Service owns the due-time heap and the coordinating loop. Execution is
// delegated to engine.Service.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	engine  *engine.Service
	now     func() time.Time
	running bool
	stopped bool

	handles map[string]*Handle
	order   []*Handle
	seq     uint64
	queue   dueHeap

	sup  *rtsup.Supervisor
	wake chan struct{}

	dispatched atomic.Uint64
	clamped    atomic.Uint64
	wakeups    atomic.Uint64
	warnLog    *logx.Throttle
}

type Option func(*Service)

// WithClock replaces time.Now for due-time computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if eng == nil {
		eng = engine.New(engine.Config{}, log, bus)
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		engine:  eng,
		now:     time.Now,
		handles: map[string]*Handle{},
		wake:    make(chan struct{}, 1),
		warnLog: logx.NewThrottle(10*time.Second, 2),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Engine() *engine.Service { return s.engine }

// Register validates and arms a task. Registration is allowed before and after
// Start; after Stop it fails with ErrStopped.
//
// A cron trigger that cannot produce any due time is not a registration error:
// the handle is returned Disabled and the condition is reported.
func (s *Service) Register(name string, policy trigger.Policy, mode DispatchMode, work Work, opts ...TaskOption) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\r\n\t") {
		return nil, &RegistrationError{Name: name, Err: ErrInvalidName}
	}
	if policy == nil {
		return nil, &RegistrationError{Name: name, Err: ErrNilPolicy}
	}
	if err := policy.Validate(); err != nil {
		return nil, &RegistrationError{Name: name, Err: err}
	}
	if work == nil {
		return nil, &RegistrationError{Name: name, Err: ErrNilWork}
	}
	if !mode.Valid() {
		return nil, &RegistrationError{Name: name, Err: ErrInvalidMode}
	}

	h := &Handle{name: name, policy: policy, mode: mode, work: work}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, &RegistrationError{Name: name, Err: ErrStopped}
	}
	if _, dup := s.handles[name]; dup {
		return nil, &RegistrationError{Name: name, Err: ErrDuplicateTask}
	}
	s.seq++
	h.seq = s.seq
	s.handles[name] = h
	s.order = append(s.order, h)

	now := s.now()
	if due, ok := s.nextDue(h, trigger.Context{Now: now}); ok {
		s.armLocked(h, due)
	}

	s.log.Info("task registered",
		logx.String("task", name),
		logx.String("policy", policy.String()),
		logx.String("mode", mode.String()),
		logx.Time("due", h.DueAt()),
	)
	if policy.Kind() == trigger.KindCron && s.log.Enabled(logx.LevelDebug) {
		if next, err := previewFrom(h.policy, h.DueAt(), 3); err == nil && len(next) > 0 {
			s.log.Debug("cron preview", logx.String("task", name), logx.Any("next", next))
		}
	}
	s.signal()
	return h, nil
}

// RegisterSpec registers a task described by configuration values. Cron specs
// without a zone use Config.DefaultZone.
func (s *Service) RegisterSpec(spec TaskSpec) (*Handle, error) {
	name := strings.TrimSpace(spec.Name)
	policy, err := trigger.Parse(spec.Trigger, s.cfg.DefaultZone)
	if err != nil {
		return nil, &RegistrationError{Name: name, Err: err}
	}
	mode, err := engine.ParseMode(spec.Mode)
	if err != nil {
		return nil, &RegistrationError{Name: name, Err: ErrInvalidMode}
	}
	return s.Register(name, policy, mode, spec.Work, WithTimeout(spec.Timeout))
}

// Task returns the handle registered under name.
func (s *Service) Task(name string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[strings.TrimSpace(name)]
	if !ok {
		return nil, ErrUnknownTask
	}
	return h, nil
}

// Start starts the engine and the coordinating loop. No-op when running or stopped.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	sup := s.sup
	n := len(s.order)
	s.mu.Unlock()

	s.engine.Start(ctx)
	sup.GoRestart("loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.Int("tasks", n))
}

// Stop ends scheduling: every handle becomes Stopped, nothing new is
// dispatched, and the engine drains as described on engine.Service.Stop.
// Runs aborted at the end of the grace period are returned aggregated.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	s.queue = nil
	handles := append([]*Handle(nil), s.order...)
	sup := s.sup
	s.mu.Unlock()

	begin := time.Now()
	s.log.Info("scheduler stopping", logx.Int("tasks", len(handles)))
	for _, h := range handles {
		h.stop()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			s.log.Warn("scheduler loop stop", logx.Err(err))
		}
	}
	if !wasRunning {
		return nil
	}
	err := s.engine.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(begin)))
	return err
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		timer.Reset(s.dispatchDue())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.wakeups.Add(1)
		case <-timer.C:
		}
	}
}

// dispatchDue hands every handle due at or before now to the engine, in
// (due, sequence) order, and returns how long to sleep until the next one.
func (s *Service) dispatchDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return idleWait
	}
	now := s.now()
	s.clampAheadLocked(now)
	for _, e := range s.queue.popDue(now) {
		s.dispatchLocked(e, now)
	}
	next, ok := s.queue.peek()
	if !ok {
		return idleWait
	}
	return max(next.due.Sub(s.now()), 0)
}

func (s *Service) dispatchLocked(e armedEntry, now time.Time) {
	h := e.h
	if !h.markQueued(e.due) {
		return
	}
	due := e.due
	t := engine.Task{
		Name:    h.name,
		Mode:    h.mode,
		Due:     due,
		Seq:     h.seq,
		Timeout: h.timeout,
		Run:     h.work,
		OnStart: func(_ string, started time.Time, deferred bool) {
			h.markDispatched(due, started, deferred)
		},
		OnDone: func(res engine.Result) { s.onCompleted(h, res) },
	}
	if _, err := s.engine.Submit(t); err != nil {
		h.unqueue()
		s.log.Warn("task dispatch rejected", logx.String("task", h.name), logx.Err(err))
		if h.rearmsOnCompletion() {
			// Nothing will complete; keep the schedule alive from now.
			if next, ok := s.nextDue(h, trigger.Context{LastCompletion: now, LastScheduled: due, Now: now}); ok {
				s.armLocked(h, next)
			}
			return
		}
	} else {
		s.dispatched.Add(1)
	}
	if !h.rearmsOnCompletion() {
		if next, ok := s.nextDue(h, trigger.Context{LastScheduled: due, Now: now}); ok {
			s.armLocked(h, next)
		}
	}
}

// onCompleted runs on the engine goroutine that finished a run of h.
func (s *Service) onCompleted(h *Handle, res engine.Result) {
	if !h.markCompleted(res.Finished, res.Err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	now := s.now()
	h.mu.Lock()
	tc := h.triggerContext(now)
	h.mu.Unlock()
	if due, ok := s.nextDue(h, tc); ok {
		s.armLocked(h, due)
	}
	s.signal()
}

// nextDue asks the trigger for the next due time. A NoMatchError disables h.
// Any other failure, or a due time further ahead than the policy allows (the
// wall clock went backwards), clamps to now.
func (s *Service) nextDue(h *Handle, tc trigger.Context) (time.Time, bool) {
	due, err := trigger.NextExecutionTime(h.policy, tc)
	if err != nil {
		var nm *cronexpr.NoMatchError
		if errors.As(err, &nm) {
			h.disable()
			s.log.Error("task disabled: trigger has no future due time", logx.String("task", h.name), logx.Err(err))
			s.publish(eventbus.TaskDisabled, tc.Now, DueEvent{Name: h.name, Reason: "no_match", Error: err.Error()})
			return time.Time{}, false
		}
		s.clamp(h, tc.Now, "trigger_error", err)
		return tc.Now, true
	}
	if lead, bounded := h.policy.MaxLead(); bounded && wallLead(due, tc.Now) > lead {
		s.clamp(h, tc.Now, "clock_rollback", nil)
		return tc.Now, true
	}
	return due, true
}

// clampAheadLocked re-checks armed entries against the current wall clock so a
// rollback between two wakeups does not leave entries stranded in the future.
func (s *Service) clampAheadLocked(now time.Time) {
	changed := false
	for i := range s.queue {
		e := &s.queue[i]
		lead, bounded := e.h.policy.MaxLead()
		if !bounded || wallLead(e.due, now) <= lead {
			continue
		}
		s.clamp(e.h, now, "clock_rollback", nil)
		e.due = now
		e.h.setDue(now)
		changed = true
	}
	if changed {
		heap.Init(&s.queue)
	}
}

func (s *Service) clamp(h *Handle, now time.Time, reason string, err error) {
	s.clamped.Add(1)
	if ok, suppressed := s.warnLog.Allow(h.name, now); ok {
		fields := []logx.Field{logx.String("task", h.name), logx.String("reason", reason)}
		if suppressed > 0 {
			fields = append(fields, logx.Uint64("suppressed", suppressed))
		}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		s.log.Warn("due time clamped to now", fields...)
	}
	ev := DueEvent{Name: h.name, Due: now, Reason: reason}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(eventbus.TaskClamped, now, ev)
}

func (s *Service) armLocked(h *Handle, due time.Time) {
	h.setDue(due)
	s.queue.push(due, h)
	s.publish(eventbus.TaskArmed, s.now(), DueEvent{Name: h.name, Due: due})
}

func (s *Service) publish(typ string, at time.Time, ev DueEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

// wallLead compares wall clocks; monotonic readings would hide a rollback.
func wallLead(due, now time.Time) time.Duration {
	return due.Round(0).Sub(now.Round(0))
}
