package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "ticklane/pkg/logx"
)

// stableRun is how long a run must last before its failure restarts the
// backoff from the minimum.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max   time.Duration
	limit      int // restarts after the first run; 0 is unlimited
	publishErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and fails the supervisor.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records the first failure in Err while restarts
// continue, so health checks see a degraded component.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

func (p restartPolicy) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.min
	bo.MaxInterval = max(p.max, p.min)
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// GoRestart runs fn until it returns nil or context.Canceled, restarting it
// after errors and panics with exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	bo := p.backoff()

	s.spawn(name, func() {
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			since := s.book.begin(name, attempt > 0)
			err := s.call(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.book.end(name, since, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.book.end(name, since, err)
			if p.publishErr {
				s.record(err)
			}
			if p.limit > 0 && attempt >= p.limit {
				s.log.Error("goroutine exhausted restarts",
					logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(since) >= stableRun {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			s.log.Warn("goroutine failed; restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
		}
	})
}
