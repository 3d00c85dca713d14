package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key (typically a task name).
// Suppressed lines are counted and reported by the next allowed call.
type Throttle struct {
	every time.Duration
	burst int

	mu   sync.Mutex
	keys map[string]*throttleKey
}

type throttleKey struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewThrottle allows burst lines per key, then one line every `every`.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, keys: map[string]*throttleKey{}}
}

// Allow reports whether a line for key may be written now, and how many lines
// were suppressed since the last allowed one.
func (t *Throttle) Allow(key string, now time.Time) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.keys[key]
	if k == nil {
		k = &throttleKey{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.keys[key] = k
	}
	if !k.lim.AllowN(now, 1) {
		k.suppressed++
		return false, 0
	}
	n := k.suppressed
	k.suppressed = 0
	return true, n
}
