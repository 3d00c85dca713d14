package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"ticklane/internal/task/engine"
	"ticklane/internal/task/trigger"
)

const (
	DefaultShutdownGrace = 10 * time.Second
	DefaultHistorySize   = 200
	DefaultZone          = "UTC"
	DefaultStatusAddr    = "127.0.0.1:9090"
)

// SchedulerSettings is SchedulerConfig with durations parsed and defaults applied.
type SchedulerSettings struct {
	ShutdownGrace  time.Duration
	MaxConcurrent  int
	DefaultTimeout time.Duration
	DefaultZone    string
	HistorySize    int
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	grace, err := ParseDurationOrDefault("scheduler.shutdown_grace", c.ShutdownGrace, DefaultShutdownGrace)
	if err != nil {
		return SchedulerSettings{}, err
	}
	timeout, err := ParseDurationField("scheduler.default_timeout", c.DefaultTimeout)
	if err != nil {
		return SchedulerSettings{}, err
	}
	if c.MaxConcurrent < 0 {
		return SchedulerSettings{}, fmt.Errorf("scheduler.max_concurrent: must be >= 0")
	}
	s := SchedulerSettings{
		ShutdownGrace:  grace,
		MaxConcurrent:  c.MaxConcurrent,
		DefaultTimeout: timeout,
		DefaultZone:    strings.TrimSpace(c.DefaultZone),
		HistorySize:    c.HistorySize,
	}
	if s.DefaultZone == "" {
		s.DefaultZone = DefaultZone
	}
	if _, err := time.LoadLocation(s.DefaultZone); err != nil {
		return SchedulerSettings{}, fmt.Errorf("scheduler.default_zone: %w", err)
	}
	if s.HistorySize <= 0 {
		s.HistorySize = DefaultHistorySize
	}
	return s, nil
}

// TriggerSpec returns the textual trigger of the task.
func (t TaskConfig) TriggerSpec() trigger.Spec {
	return trigger.Spec{
		Kind:         t.Kind,
		Delay:        t.Delay,
		Rate:         t.Rate,
		InitialDelay: t.InitialDelay,
		Cron:         t.Cron,
		Zone:         t.Zone,
	}
}

// Validate checks everything that can be checked without building job bodies:
// scheduler settings, task names, triggers, modes and timeouts, storage and
// status sections. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error

	sched, err := cfg.Scheduler.Resolve()
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	seen := map[string]int{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.name: required", path))
		} else if j, dup := seen[name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("%s.name: %q already used by tasks[%d]", path, name, j))
		} else {
			seen[name] = i
			path = fmt.Sprintf("tasks[%s]", name)
		}
		if strings.TrimSpace(t.Job) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.job: required", path))
		}
		if _, err := trigger.Parse(t.TriggerSpec(), sched.DefaultZone); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if _, err := engine.ParseMode(t.Mode); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.mode: %w", path, err))
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite", "sqlite3":
		default:
			errs = multierror.Append(errs, fmt.Errorf("storage.driver: unknown %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if sc := cfg.Status; sc != nil && sc.Enabled {
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			addr = DefaultStatusAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("status.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(sc.Token) == "" && !sc.AllowInsecure {
			errs = multierror.Append(errs, fmt.Errorf("status.addr: %q is not loopback; set status.token or status.allow_insecure", addr))
		}
		for _, f := range []struct{ path, raw string }{
			{"status.read_timeout", sc.ReadTimeout},
			{"status.write_timeout", sc.WriteTimeout},
			{"status.idle_timeout", sc.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
