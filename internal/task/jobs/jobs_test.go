package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "ticklane/pkg/logx"
)

func TestSleepLogsBeginAndEnd(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug").With(logx.String("task", "nap"))

	w, err := NewRegistry().Build("sleep", json.RawMessage(`{"duration":"20ms"}`), log)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, w(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	out := buf.String()
	require.Contains(t, out, "begin")
	require.Contains(t, out, "end")
	require.Contains(t, out, "nap")
}

func TestSleepHonoursCancellation(t *testing.T) {
	t.Parallel()
	w, err := NewRegistry().Build("sleep", json.RawMessage(`{"duration":"1h"}`), logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w(ctx), context.DeadlineExceeded)
}

func TestFailAndLogJobs(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	w, err := reg.Build("fail", json.RawMessage(`{"message":"nope"}`), logx.Nop())
	require.NoError(t, err)
	require.EqualError(t, w(context.Background()), "nope")

	w, err = reg.Build("FAIL", json.RawMessage(`{"panic":true}`), logx.Nop())
	require.NoError(t, err)
	require.Panics(t, func() { _ = w(context.Background()) })

	var buf bytes.Buffer
	w, err = reg.Build("log", json.RawMessage(`{"message":"hello","level":"warn"}`), logx.NewWriter(&buf, "info"))
	require.NoError(t, err)
	require.NoError(t, w(context.Background()))
	require.Contains(t, buf.String(), "hello")
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.Build("teleport", nil, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownJob)

	for _, tc := range []struct{ job, args string }{
		{"sleep", `{"duration":"soon"}`},
		{"sleep", `{"duration":"-1s"}`},
		{"sleep", `{"durations":"1s"}`},
		{"log", `{"level":"loud"}`},
		{"fail", `[1,2]`},
	} {
		_, err := reg.Build(tc.job, json.RawMessage(tc.args), logx.Nop())
		var ae *ArgsError
		require.True(t, errors.As(err, &ae), "%s %s: %v", tc.job, tc.args, err)
		require.Equal(t, tc.job, ae.Job)
	}

	require.Error(t, reg.Register("sleep", newSleep))
	require.Equal(t, []string{"fail", "log", "sleep"}, reg.Names())
}
