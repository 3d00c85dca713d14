package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"ticklane/internal/config"
	"ticklane/internal/eventbus"
	"ticklane/internal/observability/metrics"
	"ticklane/internal/observability/status"
	rtsup "ticklane/internal/runtime/supervisor"
	"ticklane/internal/storage"
	"ticklane/internal/task/engine"
	"ticklane/internal/task/jobs"
	"ticklane/internal/task/scheduler"
	logx "ticklane/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	jrnl  *storage.Journal

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	status  *status.Service
	sd      *notifier
}

type Option func(*options)

type options struct {
	jobs *jobs.Registry
}

// WithJobs replaces the built-in job registry.
func WithJobs(r *jobs.Registry) Option {
	return func(o *options) { o.jobs = r }
}

// NewApp loads the config and wires every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.jobs == nil {
		o.jobs = jobs.NewRegistry()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	stc, statusOn, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Comp("app"))
	bus := eventbus.New()

	engineSvc := engine.New(mapEngineConfig(settings), log.With(logx.Comp("engine")), bus)
	schedSvc := scheduler.New(scheduler.Config{DefaultZone: settings.DefaultZone},
		engineSvc, log.With(logx.Comp("scheduler")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		engine:  engineSvc,
		sched:   schedSvc,
		metrics: metrics.New(bus, schedSvc.Snapshot),
		sd:      newNotifier(log.With(logx.Comp("systemd"))),
	}

	if storeOn {
		st, err := storage.Open(sc, log.With(logx.Comp("storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.jrnl = storage.NewJournal(st, bus, log.With(logx.Comp("journal")))
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if err := registerTasks(schedSvc, o.jobs, cfg.Tasks, log.With(logx.Comp("jobs"))); err != nil {
		a.closeStore()
		return nil, err
	}

	if statusOn {
		deps := status.Deps{
			Snapshot: schedSvc.Snapshot,
			Metrics:  a.metrics.Handler(),
			Routines: func() rtsup.Report { return a.sup.Report() },
			Health:   a.health,
		}
		if a.store != nil {
			deps.Runs = a.store.RecentRuns
		}
		a.status = status.New(stc, deps, log.With(logx.Comp("status")))
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if !a.sched.Snapshot().Running {
		return errors.New("scheduler not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))

	a.sup.Go("metrics", a.metrics.Run)
	if a.jrnl != nil {
		// the journal drains after the scheduler stopped, see Stop
		a.sup.Go("journal", a.jrnl.Run)
	}

	a.sched.Start(a.sup.Context())

	if a.status != nil {
		if err := a.status.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if every := watchdogInterval(a.log); every > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.watchdog(c, every, a.health)
		})
	}
	a.sd.ready()

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reloadLoop applies logging changes live. Everything else is read at startup
// only, so it is reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			ch := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
				a.log.Warn("log sink not applied", logx.Err(err))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
			if ch.RestartRequired() {
				a.log.Warn("config change requires a restart to take effect",
					logx.String("sections", strings.Join(ch.Sections, ",")),
					logx.Any("tasks", ch.Tasks),
				)
			}
		}
	}
}

// Stop shuts down in dependency order: scheduler (which drains the engine),
// status server, background loops, then storage. Runs aborted by the
// scheduler's grace period are part of the returned error.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// the scheduler bounds itself with shutdown_grace
	step("scheduler", 0, a.sched.Stop)
	if a.status != nil {
		step("status", 2*time.Second, a.status.Stop)
	}

	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs.ErrorOrNil()
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
