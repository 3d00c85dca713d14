package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"ticklane/internal/eventbus"
	logx "ticklane/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

type recorder struct {
	mu      sync.Mutex
	order   []string
	results map[string]Result
	done    chan string
}

func newRecorder() *recorder {
	return &recorder{results: map[string]Result{}, done: make(chan string, 64)}
}

func (r *recorder) task(name string, mode Mode, due time.Time, seq uint64, body func(ctx context.Context) error) Task {
	return Task{
		Name: name,
		Mode: mode,
		Due:  due,
		Seq:  seq,
		Run:  body,
		OnStart: func(string, time.Time, bool) {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
		},
		OnDone: func(res Result) {
			r.mu.Lock()
			r.results[name] = res
			r.mu.Unlock()
			r.done <- name
		},
	}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d/%d", i+1, n)
		}
	}
}

func (r *recorder) snapshot() ([]string, map[string]Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[string]Result, len(r.results))
	for k, v := range r.results {
		res[k] = v
	}
	return append([]string(nil), r.order...), res
}

func TestLaneRunsInDueOrderWithRegistrationTieBreak(t *testing.T) {
	s := newTestEngine(t, Config{})
	rec := newRecorder()
	due := time.Now()

	release := make(chan struct{})
	blocking := make(chan struct{})
	_, err := s.Submit(rec.task("blocker", Sequential, due.Add(-time.Second), 0, func(ctx context.Context) error {
		close(blocking)
		<-release
		return nil
	}))
	require.NoError(t, err)
	<-blocking

	var active, maxActive atomic.Int32
	body := func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	// Submitted out of order; equal due times fall back to Seq.
	for _, tc := range []struct {
		name string
		due  time.Time
		seq  uint64
	}{
		{"late", due.Add(time.Second), 1},
		{"second", due, 3},
		{"first", due, 2},
	} {
		_, err := s.Submit(rec.task(tc.name, Sequential, tc.due, tc.seq, body))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"first", "second", "late"}, s.Snapshot().LaneQueue)

	close(release)
	rec.wait(t, 4)

	order, results := rec.snapshot()
	require.Equal(t, []string{"blocker", "first", "second", "late"}, order)
	require.Equal(t, int32(1), maxActive.Load())
	require.False(t, results["blocker"].Deferred)
	require.True(t, results["first"].Deferred)
}

func TestDeferredFlagSeenByOnStart(t *testing.T) {
	s := newTestEngine(t, Config{})

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	done := make(chan struct{}, 32)
	submit := func(name string, body func(ctx context.Context) error) {
		t.Helper()
		_, err := s.Submit(Task{
			Name: name,
			Mode: Sequential,
			Due:  time.Now(),
			Run:  body,
			OnStart: func(_ string, _ time.Time, deferred bool) {
				mu.Lock()
				seen[name] = deferred
				mu.Unlock()
			},
			OnDone: func(Result) { done <- struct{}{} },
		})
		require.NoError(t, err)
	}
	noop := func(context.Context) error { return nil }

	// An idle lane starts work immediately.
	for i := 0; i < 5; i++ {
		submit(fmt.Sprintf("idle-%d", i), noop)
		<-done
	}

	release := make(chan struct{})
	started := make(chan struct{})
	submit("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	for i := 0; i < 20; i++ {
		submit(fmt.Sprintf("queued-%d", i), noop)
	}
	close(release)
	for i := 0; i < 21; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("lane did not drain")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		require.False(t, seen[fmt.Sprintf("idle-%d", i)])
	}
	require.False(t, seen["blocker"])
	for i := 0; i < 20; i++ {
		require.True(t, seen[fmt.Sprintf("queued-%d", i)], "queued-%d", i)
	}
}

func TestConcurrentRunsOverlap(t *testing.T) {
	s := newTestEngine(t, Config{})
	rec := newRecorder()

	var wg sync.WaitGroup
	wg.Add(3)
	release := make(chan struct{})
	body := func(ctx context.Context) error {
		wg.Done()
		<-release
		return nil
	}
	for i := 0; i < 3; i++ {
		_, err := s.Submit(rec.task("same", Concurrent, time.Now(), 1, body))
		require.NoError(t, err)
	}

	waitGroup(t, &wg)
	require.Equal(t, 3, s.Snapshot().InFlight)
	close(release)
	rec.wait(t, 3)
}

func TestMaxConcurrentBoundsPool(t *testing.T) {
	s := newTestEngine(t, Config{MaxConcurrent: 2})
	rec := newRecorder()

	var active, maxActive atomic.Int32
	body := func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	for i := 0; i < 5; i++ {
		_, err := s.Submit(rec.task("bounded", Concurrent, time.Now(), 1, body))
		require.NoError(t, err)
	}
	rec.wait(t, 5)
	require.Equal(t, int32(2), maxActive.Load())
	require.Equal(t, uint64(5), s.Snapshot().Succeeded)
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	s := newTestEngine(t, Config{HistorySize: 2})
	rec := newRecorder()
	boom := errors.New("boom")

	_, err := s.Submit(rec.task("fails", Sequential, time.Now(), 1, func(ctx context.Context) error { return boom }))
	require.NoError(t, err)
	_, err = s.Submit(rec.task("panics", Concurrent, time.Now(), 2, func(ctx context.Context) error { panic("bad") }))
	require.NoError(t, err)
	_, err = s.Submit(rec.task("ok", Sequential, time.Now(), 3, func(ctx context.Context) error { return nil }))
	require.NoError(t, err)
	rec.wait(t, 3)

	_, results := rec.snapshot()
	var te *TaskExecutionError
	require.True(t, errors.As(results["fails"].Err, &te))
	require.ErrorIs(t, results["fails"].Err, boom)
	require.Equal(t, "fails", te.Task)
	require.NotEmpty(t, te.RunID)

	require.True(t, errors.As(results["panics"].Err, &te))
	require.True(t, te.Panic)
	require.NoError(t, results["ok"].Err)

	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Failed)
	require.Len(t, snap.History, 2)
}

func TestTimeoutCancelsRun(t *testing.T) {
	s := newTestEngine(t, Config{DefaultTimeout: 20 * time.Millisecond})
	rec := newRecorder()
	_, err := s.Submit(rec.task("slow", Concurrent, time.Now(), 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, err)
	rec.wait(t, 1)
	_, results := rec.snapshot()
	require.ErrorIs(t, results["slow"].Err, context.DeadlineExceeded)
}

func TestStopGraceCancelsConcurrentAndAwaitsSequential(t *testing.T) {
	s := New(Config{ShutdownGrace: 50 * time.Millisecond}, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	rec := newRecorder()

	seqStarted := make(chan struct{})
	_, err := s.Submit(rec.task("seq", Sequential, time.Now(), 1, func(ctx context.Context) error {
		close(seqStarted)
		time.Sleep(150 * time.Millisecond)
		return ctx.Err()
	}))
	require.NoError(t, err)
	_, err = s.Submit(rec.task("queued", Sequential, time.Now(), 2, func(ctx context.Context) error { return nil }))
	require.NoError(t, err)

	concStarted := make(chan struct{})
	_, err = s.Submit(rec.task("stuck", Concurrent, time.Now(), 3, func(ctx context.Context) error {
		close(concStarted)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, err)
	<-seqStarted
	<-concStarted

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.Stop(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCancelledOnShutdown)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 1)
	var ce *CancelledError
	require.True(t, errors.As(merr.Errors[0], &ce))
	require.Equal(t, "stuck", ce.Task)

	rec.wait(t, 2)
	order, results := rec.snapshot()
	require.NotContains(t, order, "queued")
	require.NoError(t, results["seq"].Err, "sequential run is awaited, not cancelled")
	require.ErrorIs(t, results["stuck"].Err, ErrCancelledOnShutdown)

	snap := s.Snapshot()
	require.False(t, snap.Running)
	require.Equal(t, uint64(1), snap.Dropped)
	require.Equal(t, uint64(1), snap.Cancelled)

	_, err = s.Submit(rec.task("late", Sequential, time.Now(), 4, func(ctx context.Context) error { return nil }))
	require.ErrorIs(t, err, ErrStopping)
}

func TestSubmitBeforeStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	_, err := s.Submit(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)

	_, err = s.Submit(Task{Name: "x"})
	require.Error(t, err)
	_, err = s.Submit(Task{Name: "x", Mode: Mode(7), Run: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, Sequential, m)
	m, err = ParseMode("Concurrent")
	require.NoError(t, err)
	require.Equal(t, Concurrent, m)
	_, err = ParseMode("both")
	require.Error(t, err)
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to start")
	}
}
