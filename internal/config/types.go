package config

import (
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     []TaskConfig    `json:"tasks"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    *StatusConfig   `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler and its execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - shutdown_grace: "10s"
//   - max_concurrent: 0 (unbounded concurrent pool)
//   - default_timeout: "0s" (runs are not bounded)
//   - default_zone: "UTC"
//   - history_size: 200
type SchedulerConfig struct {
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	DefaultZone    string `json:"default_zone,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// TaskConfig registers one task at startup.
//
// Exactly one trigger is described by kind:
//   - fixed_delay: delay (required), initial_delay
//   - fixed_rate:  rate (required), initial_delay
//   - cron:        cron (six fields, seconds first), zone
//
// Durations also accept HH:MM ("00:30" is thirty minutes).
type TaskConfig struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Delay        string `json:"delay,omitempty"`
	Rate         string `json:"rate,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	Cron         string `json:"cron,omitempty"`
	Zone         string `json:"zone,omitempty"`

	// Mode is "sequential" (default) or "concurrent".
	Mode    string `json:"mode,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	Job  string          `json:"job"`
	Args json.RawMessage `json:"args,omitempty"`

	// Disabled keeps the entry in the file without registering it.
	Disabled bool `json:"disabled,omitempty"`
}

// StorageConfig controls the optional run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ticklane.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the optional HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
