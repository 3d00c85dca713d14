package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	logx "ticklane/pkg/logx"
)

// Validator vets a reloaded config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

const validateTimeout = 5 * time.Second

// ConfigManager owns the config file: it loads it once at startup and, while
// Watch runs, re-reads it on change and hands accepted versions to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger
	vet  Validator

	mu      sync.RWMutex
	current *Config
	sum     uint64

	out fanout
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path: path,
		log:  logx.Nop(),
		vet:  func(_ context.Context, cfg *Config) error { return Validate(cfg) },
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("path", m.path))
}

// SetValidator replaces the check run before a reload is committed. A nil
// validator accepts anything that decodes.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.vet = fn
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(m.path, raw)
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.current, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that receives every accepted reload. A slow
// reader only ever sees the newest version.
func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.out.add(buffer) }

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch != nil {
		m.out.remove(ch)
	}
}

// refresh re-reads the file and publishes it if it differs from the
// committed version and passes validation.
func (m *ConfigManager) refresh(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed", logx.Err(err))
		return
	}
	sum := fingerprint(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config content unchanged")
		return
	}
	if m.vet != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.vet(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	if n := m.out.send(cfg); n > 0 {
		m.log.Debug("slow config subscribers skipped a version", logx.Int("subscribers", n))
	}
	m.log.Debug("config reload accepted", logx.String("sum", fmt.Sprintf("%016x", sum)))
}
