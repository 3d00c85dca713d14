package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Comp("scheduler"))

	log.Debug("hidden")
	require.Zero(t, buf.Len(), "debug must be filtered at info level")

	log.Warn("task failed", String("task", "report"), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "warn", m["level"])
	require.Equal(t, "task failed", m["message"])
	require.Equal(t, "scheduler", m["comp"])
	require.Equal(t, "report", m["task"])
	require.Equal(t, "boom", m["err"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("nothing happens")
	require.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelWarn, ParseLevel(" WARNING "))
	require.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Second, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, _ := th.Allow("a", now)
	require.True(t, ok)
	ok, _ = th.Allow("a", now)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		ok, _ = th.Allow("a", now)
		require.False(t, ok)
	}
	// Other keys are independent.
	ok, _ = th.Allow("b", now)
	require.True(t, ok)

	ok, suppressed := th.Allow("a", now.Add(1100*time.Millisecond))
	require.True(t, ok)
	require.Equal(t, uint64(3), suppressed)

	var nilThrottle *Throttle
	ok, _ = nilThrottle.Allow("x", now)
	require.True(t, ok)
}

func TestServiceApplySwapsLevelAndFile(t *testing.T) {
	var out bytes.Buffer
	prev := Stdout
	Stdout = func() io.Writer { return &out }
	t.Cleanup(func() { Stdout = prev })

	svc, log := New(Config{Level: "info", JSON: true})
	log = log.With(Comp("app"))
	log.Debug("dropped")
	require.Zero(t, out.Len())

	path := filepath.Join(t.TempDir(), "logs", "ticklane.log")
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	require.True(t, log.Enabled(LevelDebug))
	log.Debug("kept", String("task", "a"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":"kept"`)
	require.Contains(t, string(b), `"comp":"app"`)
	require.Contains(t, string(b), `"caller":"logging_test.go:`)
}

func TestApplyReportsUnopenableFile(t *testing.T) {
	var out bytes.Buffer
	prev := Stdout
	Stdout = func() io.Writer { return &out }
	t.Cleanup(func() { Stdout = prev })

	dir := t.TempDir()
	svc, log := New(Config{})
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: dir}})
	require.Error(t, err)
	log.Info("still logging")
	require.Contains(t, out.String(), "still logging")
}
