package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "ticklane/pkg/logx"
)

// Change summarizes the difference between two configs.
//
// Only Logging is applied on reload; every other section requires a restart.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// Tasks lists task names that were added, removed or edited.
	Tasks []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// RestartRequired reports whether the change touches a section that is only
// read at startup.
func (c Change) RestartRequired() bool {
	for _, s := range c.Sections {
		if s != "logging" {
			return true
		}
	}
	return false
}

// SummarizeConfigChange never includes secrets such as the status token.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.String("scheduler.shutdown_grace", strings.TrimSpace(newCfg.Scheduler.ShutdownGrace)),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.default_zone", strings.TrimSpace(newCfg.Scheduler.DefaultZone)),
		)
	}

	if ch.Tasks = diffTasks(oldCfg.Tasks, newCfg.Tasks); len(ch.Tasks) > 0 {
		ch.Sections = append(ch.Sections, "tasks")
		ch.Attrs = append(ch.Attrs,
			logx.Int("tasks.changed_count", len(ch.Tasks)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oSt, nSt StatusConfig
	if oldCfg.Status != nil {
		oSt = *oldCfg.Status
	}
	if newCfg.Status != nil {
		nSt = *newCfg.Status
	}
	tokenChanged := strings.TrimSpace(oSt.Token) != strings.TrimSpace(nSt.Token)
	oSt.Token, nSt.Token = "", ""
	if tokenChanged || oSt != nSt {
		ch.Sections = append(ch.Sections, "status")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", strings.TrimSpace(nSt.Addr)),
			logx.Bool("status.token_changed", tokenChanged),
			logx.Bool("status.pprof", nSt.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		o, inOld := om[name]
		n, inNew := nm[name]
		if inOld != inNew || !sameTask(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameTask(a, b TaskConfig) bool {
	if canonicalHashJSON(a.Args) != canonicalHashJSON(b.Args) {
		return false
	}
	a.Args, b.Args = nil, nil
	return reflect.DeepEqual(a, b)
}

// canonicalHashJSON hashes JSON after canonicalizing it, so whitespace and key
// order do not matter. Invalid JSON hashes as raw bytes.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
