package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"ticklane/internal/config"
	"ticklane/internal/observability/status"
	"ticklane/internal/storage"
	"ticklane/internal/task/engine"
	"ticklane/internal/task/jobs"
	"ticklane/internal/task/scheduler"
	logx "ticklane/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(s config.SchedulerSettings) engine.Config {
	return engine.Config{
		MaxConcurrent:  s.MaxConcurrent,
		ShutdownGrace:  s.ShutdownGrace,
		DefaultTimeout: s.DefaultTimeout,
		HistorySize:    s.HistorySize,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, bool, error) {
	if cfg == nil || cfg.Status == nil || !cfg.Status.Enabled {
		return status.Config{}, false, nil
	}
	sc := cfg.Status
	out := status.Config{
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultStatusAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second); err != nil {
		return status.Config{}, false, err
	}
	// pprof profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 60*time.Second); err != nil {
		return status.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, false, err
	}
	return out, true, nil
}

// registerTasks builds the job body of every enabled task and registers it.
// All failures are reported together.
func registerTasks(sched *scheduler.Service, reg *jobs.Registry, tasks []config.TaskConfig, log logx.Logger) error {
	var errs *multierror.Error
	for i, t := range tasks {
		name := strings.TrimSpace(t.Name)
		if t.Disabled {
			log.Info("task disabled in config; skipping", logx.String("task", name))
			continue
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("tasks[%d].timeout", i), t.Timeout)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		work, err := reg.Build(t.Job, t.Args, log.With(logx.String("task", name)))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tasks[%s]: %w", name, err))
			continue
		}
		if _, err := sched.RegisterSpec(scheduler.TaskSpec{
			Name:    name,
			Trigger: t.TriggerSpec(),
			Mode:    t.Mode,
			Timeout: timeout,
			Work:    work,
		}); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// CheckTasks validates cfg and registers every task on a scheduler that is
// never started, so job arguments are checked too.
func CheckTasks(cfg *config.Config, reg *jobs.Registry) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if reg == nil {
		reg = jobs.NewRegistry()
	}
	settings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Config{DefaultZone: settings.DefaultZone}, nil, logx.Nop(), nil)
	defer func() { _ = sched.Stop(context.Background()) }()
	return registerTasks(sched, reg, cfg.Tasks, logx.Nop())
}
