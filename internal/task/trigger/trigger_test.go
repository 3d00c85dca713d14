package trigger

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"ticklane/internal/task/cronexpr"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFixedDelay(t *testing.T) {
	t.Parallel()
	p := FixedDelay{Delay: time.Second, InitialDelay: 250 * time.Millisecond}

	first, err := NextExecutionTime(p, Context{Now: t0})
	require.NoError(t, err)
	require.Equal(t, t0.Add(250*time.Millisecond), first)

	// Measured from completion, not from the scheduled instant.
	next, err := NextExecutionTime(p, Context{LastScheduled: t0, LastCompletion: t0.Add(2 * time.Second), Now: t0.Add(5 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, t0.Add(3*time.Second), next)
	require.True(t, p.NeedsCompletion())

	lead, ok := p.MaxLead()
	require.True(t, ok)
	require.Equal(t, time.Second, lead)
}

func TestFixedRate(t *testing.T) {
	t.Parallel()
	p := FixedRate{Rate: time.Second, InitialDelay: 500 * time.Millisecond}

	first, err := NextExecutionTime(p, Context{Now: t0})
	require.NoError(t, err)
	require.Equal(t, t0.Add(500*time.Millisecond), first)

	// k-th start at registration + initial + k*rate regardless of run duration.
	sched := first
	for k := 1; k <= 5; k++ {
		sched, err = NextExecutionTime(p, Context{LastScheduled: sched, LastCompletion: sched.Add(3 * time.Second), Now: sched.Add(3 * time.Second)})
		require.NoError(t, err)
		require.Equal(t, t0.Add(500*time.Millisecond+time.Duration(k)*time.Second), sched)
	}

	// A slow run leaves the next due time in the past.
	now := first.Add(3 * time.Second)
	next, err := NextExecutionTime(p, Context{LastScheduled: first, Now: now})
	require.NoError(t, err)
	require.True(t, next.Before(now))
	require.False(t, p.NeedsCompletion())
}

func TestCron(t *testing.T) {
	t.Parallel()
	expr := cronexpr.MustParse("0 * * * * ?", "Europe/Moscow")
	p := Cron{Expr: expr}

	now := time.Date(2024, 1, 1, 0, 0, 30, 0, expr.Location())
	next, err := NextExecutionTime(p, Context{Now: now, LastScheduled: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2024, 1, 1, 0, 1, 0, 0, expr.Location())))

	_, ok := p.MaxLead()
	require.False(t, ok)

	_, err = NextExecutionTime(Cron{Expr: cronexpr.MustParse("0 0 0 30 2 *", "UTC")}, Context{Now: t0})
	var nm *cronexpr.NoMatchError
	require.True(t, errors.As(err, &nm))
}

func TestNextExecutionTimeIsPure(t *testing.T) {
	t.Parallel()
	policies := []Policy{
		FixedDelay{Delay: time.Second},
		FixedRate{Rate: time.Minute},
		Cron{Expr: cronexpr.MustParse("*/5 * * * * *", "Asia/Tokyo")},
	}
	tc := Context{LastCompletion: t0.Add(time.Second), LastScheduled: t0, Now: t0.Add(2 * time.Second)}
	for _, p := range policies {
		a, err := NextExecutionTime(p, tc)
		require.NoError(t, err)
		b, err := NextExecutionTime(p, tc)
		require.NoError(t, err)
		require.True(t, a.Equal(b), p.String())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	bad := []Policy{
		FixedDelay{Delay: -time.Second},
		FixedDelay{Delay: time.Second, InitialDelay: -1},
		FixedRate{Rate: 0},
		FixedRate{Rate: -time.Second},
		FixedRate{Rate: time.Second, InitialDelay: -time.Second},
		Cron{},
	}
	for _, p := range bad {
		var pe *PolicyError
		require.True(t, errors.As(p.Validate(), &pe), "%s should be rejected", p)
	}
	require.NoError(t, FixedDelay{}.Validate())
	require.NoError(t, FixedRate{Rate: time.Millisecond}.Validate())

	_, err := NextExecutionTime(nil, Context{Now: t0})
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()
	p, err := Parse(Spec{Kind: "fixed_delay", Delay: "1s", InitialDelay: "250ms"}, "")
	require.NoError(t, err)
	require.Equal(t, FixedDelay{Delay: time.Second, InitialDelay: 250 * time.Millisecond}, p)

	p, err = Parse(Spec{Kind: "rate", Rate: "00:50"}, "")
	require.NoError(t, err)
	require.Equal(t, FixedRate{Rate: 50 * time.Minute}, p)

	p, err = Parse(Spec{Kind: "cron", Cron: "0 * * * * ?"}, "Europe/Moscow")
	require.NoError(t, err)
	c, ok := p.(Cron)
	require.True(t, ok)
	require.Equal(t, "Europe/Moscow", c.Expr.Zone())

	p, err = Parse(Spec{Kind: "CRON", Cron: "0 0 * * * *", Zone: "Asia/Tokyo"}, "Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, "Asia/Tokyo", p.(Cron).Expr.Zone())
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Duration{
		"":        0,
		" 00:50 ": 50 * time.Minute,
		"100:00":  100 * time.Hour,
		"1500ms":  1500 * time.Millisecond,
		"-1s":     -time.Second,
	} {
		d, err := ParseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, d, in)
	}
	_, err := ParseDuration("00:60")
	require.ErrorIs(t, err, ErrClockMinutes)
	_, err = ParseDuration("1:2:3")
	require.ErrorIs(t, err, ErrDurationForm)

	var pe *PolicyError
	_, err = Parse(Spec{Kind: "fixed_rate", Rate: "00:99"}, "")
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "rate", pe.Field)
	require.Equal(t, ErrClockMinutes.Error(), pe.Reason)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
	}{
		{name: "missing kind", spec: Spec{Delay: "1s"}},
		{name: "unknown kind", spec: Spec{Kind: "hourly"}},
		{name: "missing delay", spec: Spec{Kind: "fixed_delay"}},
		{name: "negative delay", spec: Spec{Kind: "fixed_delay", Delay: "-1s"}},
		{name: "zero rate", spec: Spec{Kind: "fixed_rate", Rate: "0s"}},
		{name: "bad duration", spec: Spec{Kind: "fixed_rate", Rate: "soon"}},
		{name: "bad minutes", spec: Spec{Kind: "fixed_rate", Rate: "01:75"}},
		{name: "mixed fields", spec: Spec{Kind: "fixed_rate", Rate: "1s", Cron: "* * * * * *"}},
		{name: "cron without text", spec: Spec{Kind: "cron"}},
		{name: "cron with delay", spec: Spec{Kind: "cron", Cron: "* * * * * *", Delay: "1s"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.spec, "")
			var pe *PolicyError
			require.True(t, errors.As(err, &pe), "got %v", err)
		})
	}

	_, err := Parse(Spec{Kind: "cron", Cron: "0 * * * *"}, "")
	var ce *cronexpr.ParseError
	require.True(t, errors.As(err, &ce))
}
