package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ticklane/internal/config"
	"ticklane/internal/storage"
	"ticklane/internal/task/jobs"
	logx "ticklane/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "ticklane.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppRunsTasksAndJournals(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "journal")
	path := writeConfig(t, dir, fmt.Sprintf(`
logging: { level: error }
scheduler: { shutdown_grace: 1s }
tasks:
  - name: tick
    kind: fixed_rate
    rate: 30ms
    mode: concurrent
    job: log
    args: { message: tick, level: debug }
  - name: nap
    kind: fixed_delay
    delay: 20ms
    job: sleep
    args: { duration: 5ms }
  - name: parked
    kind: fixed_rate
    rate: 1ms
    job: fail
    disabled: true
storage: { driver: file, path: %q }
status: { enabled: true, addr: "127.0.0.1:0" }
`, journal))

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		snap := a.Scheduler().Snapshot()
		if len(snap.Tasks) != 2 {
			return false
		}
		for _, ts := range snap.Tasks {
			if ts.Runs < 2 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	_, err = a.Scheduler().Task("parked")
	require.Error(t, err)

	resp, err := http.Get("http://" + a.status.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))

	st, err := storage.Open(storage.Config{Driver: "file", Path: journal}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), storage.Query{Task: "nap"})
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	require.Equal(t, storage.OutcomeSucceeded, runs[0].Outcome)
}

func TestNewAppRejectsUnknownJob(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
tasks:
  - name: x
    kind: fixed_delay
    delay: 1s
    job: nope
`)
	_, err := NewApp(path)
	require.ErrorIs(t, err, jobs.ErrUnknownJob)
}

func TestCheckTasks(t *testing.T) {
	cfg := &config.Config{Tasks: []config.TaskConfig{
		{Name: "a", Kind: "cron", Cron: "0 0 9 * * *", Zone: "Europe/Moscow", Job: "log"},
		{Name: "b", Kind: "fixed_rate", Rate: "1s", Mode: "concurrent", Job: "sleep", Args: []byte(`{"duration":"10ms"}`)},
	}}
	require.NoError(t, CheckTasks(cfg, nil))

	cfg.Tasks[1].Args = []byte(`{"duration":"soon"}`)
	require.Error(t, CheckTasks(cfg, nil))

	cfg.Tasks[1].Args = []byte(`{"unknown":1}`)
	var argsErr *jobs.ArgsError
	require.ErrorAs(t, CheckTasks(cfg, nil), &argsErr)
}

func TestMapStatusConfig(t *testing.T) {
	_, on, err := mapStatusConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, on)

	sc, on, err := mapStatusConfig(&config.Config{Status: &config.StatusConfig{Enabled: true, Token: " t "}})
	require.NoError(t, err)
	require.True(t, on)
	require.Equal(t, config.DefaultStatusAddr, sc.Addr)
	require.Equal(t, "t", sc.Token)
	require.Equal(t, 60*time.Second, sc.WriteTimeout)

	_, _, err = mapStatusConfig(&config.Config{Status: &config.StatusConfig{Enabled: true, ReadTimeout: "later"}})
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	_, on, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	require.False(t, on)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)

	sc, on, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.True(t, on)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)
}

func TestWatchdogWithholdsPingWhenUnhealthy(t *testing.T) {
	var sent []string
	n := &notifier{log: logx.Nop(), send: func(state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}}
	n.ready()
	require.Equal(t, []string{"READY=1"}, sent)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, n.watchdog(ctx, 10*time.Millisecond, func() error { return fmt.Errorf("down") }))
	require.Equal(t, []string{"READY=1"}, sent)
}
