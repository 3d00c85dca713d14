package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rtsup "ticklane/internal/runtime/supervisor"
	"ticklane/internal/storage"
	"ticklane/internal/task/scheduler"
	logx "ticklane/pkg/logx"
)

func testDeps() Deps {
	return Deps{
		Snapshot: func() scheduler.Snapshot {
			return scheduler.Snapshot{Running: true, Tasks: []scheduler.TaskSnapshot{{Name: "a", Mode: "concurrent"}}}
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ticklane_runs_total 1\n")
		}),
		Runs: func(_ context.Context, q storage.Query) ([]storage.RunRecord, error) {
			return []storage.RunRecord{{ID: "r1", Task: q.Task, Outcome: storage.OutcomeSucceeded}}, nil
		},
	}
}

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	h := New(Config{}, testDeps(), logx.Nop()).Handler()

	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ticklane_runs_total")

	rec = get(t, h, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Running bool `json:"running"`
		Tasks   []struct {
			Name string `json:"name"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.True(t, snap.Running)
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, "a", snap.Tasks[0].Name)

	rec = get(t, h, "/runs?task=a&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, "a", runs[0].Task)

	rec = get(t, h, "/runs?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// pprof is off unless asked for
	rec = get(t, h, "/debug/pprof/", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerOmitsMissingDeps(t *testing.T) {
	h := New(Config{}, Deps{}, logx.Nop()).Handler()
	require.Equal(t, http.StatusNotFound, get(t, h, "/runs", "").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/tasks", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
}

func TestHealthReportsFailure(t *testing.T) {
	deps := testDeps()
	deps.Health = func() error { return errors.New("scheduler loop: boom") }
	h := New(Config{}, deps, logx.Nop()).Handler()

	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "boom")
}

func TestTokenAuth(t *testing.T) {
	h := New(Config{Token: "s3cret", Pprof: true}, testDeps(), logx.Nop()).Handler()

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/tasks", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/tasks", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/tasks", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/tasks?token=s3cret", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "s3cret").Code)
	// liveness stays open for probes
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Addr: "0.0.0.0:0"}, testDeps(), logx.Nop())
	require.Error(t, svc.Start(context.Background()))
	require.Nil(t, svc.Supervisor())
}

func TestStartServesAndStops(t *testing.T) {
	svc := New(Config{Addr: "127.0.0.1:0"}, testDeps(), logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	addr := svc.Addr()
	require.NotEmpty(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:9090"))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.True(t, isLoopbackAddr("[::1]:1"))
	require.False(t, isLoopbackAddr(":9090"))
	require.False(t, isLoopbackAddr("10.0.0.1:9090"))
	require.False(t, isLoopbackAddr("nonsense"))
}

func TestRoutinesReportsSupervisor(t *testing.T) {
	sup := rtsup.NewSupervisor(context.Background())
	sup.Go("journal", func(ctx context.Context) error { return errors.New("disk full") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, sup.Wait(ctx))

	deps := testDeps()
	deps.Routines = sup.Report
	rec := get(t, New(Config{}, deps, logx.Nop()).Handler(), "/routines", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rep rtsup.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, "journal: disk full", rep.FirstError)
	require.Len(t, rep.Routines, 1)
	require.Equal(t, "journal", rep.Routines[0].Name)
	require.Zero(t, rep.Routines[0].Active)
}
