// Package trigger computes next execution times for the three timing policies:
// fixed delay after completion, fixed rate from the previous scheduled instant,
// and cron expressions evaluated in a named zone.
//
// Policies are immutable values. NextExecutionTime is pure; the caller threads
// the history (last completion, last scheduled instant) through Context.
package trigger

import (
	"fmt"
	"time"

	"ticklane/internal/task/cronexpr"
)

// Kind names a policy variant. The values double as configuration keywords.
type Kind string

const (
	KindFixedDelay Kind = "fixed_delay"
	KindFixedRate  Kind = "fixed_rate"
	KindCron       Kind = "cron"
)

// Policy is one of FixedDelay, FixedRate or Cron.
type Policy interface {
	Kind() Kind
	// Validate rejects negative delays, non-positive rates and nil expressions.
	Validate() error
	// NeedsCompletion reports whether the next due time is measured from the
	// completion of the previous run.
	NeedsCompletion() bool
	// MaxLead is the largest legal distance between "now" and a computed due
	// time. ok is false when the policy has no such bound.
	MaxLead() (lead time.Duration, ok bool)
	String() string

	next(tc Context) (time.Time, error)
}

// Context carries the history a policy may consult. Zero times mean "none yet".
type Context struct {
	LastCompletion time.Time
	LastScheduled  time.Time
	Now            time.Time
}

// NextExecutionTime returns the next due instant for p.
//
// FixedRate results may lie in the past when a run outlasted the rate.
// Cron policies return *cronexpr.NoMatchError for degenerate expressions.
func NextExecutionTime(p Policy, tc Context) (time.Time, error) {
	if p == nil {
		return time.Time{}, &PolicyError{Reason: "policy is nil"}
	}
	return p.next(tc)
}

// FixedDelay schedules each run Delay after the previous run completed.
type FixedDelay struct {
	Delay        time.Duration
	InitialDelay time.Duration
}

func (FixedDelay) Kind() Kind            { return KindFixedDelay }
func (FixedDelay) NeedsCompletion() bool { return true }

func (p FixedDelay) Validate() error {
	if p.Delay < 0 {
		return &PolicyError{Kind: KindFixedDelay, Field: "delay", Reason: "must be >= 0"}
	}
	if p.InitialDelay < 0 {
		return &PolicyError{Kind: KindFixedDelay, Field: "initial_delay", Reason: "must be >= 0"}
	}
	return nil
}

func (p FixedDelay) MaxLead() (time.Duration, bool) { return max(p.Delay, p.InitialDelay), true }

func (p FixedDelay) String() string {
	if p.InitialDelay > 0 {
		return fmt.Sprintf("fixed_delay(%s, initial %s)", p.Delay, p.InitialDelay)
	}
	return fmt.Sprintf("fixed_delay(%s)", p.Delay)
}

func (p FixedDelay) next(tc Context) (time.Time, error) {
	if tc.LastCompletion.IsZero() {
		return tc.Now.Add(p.InitialDelay), nil
	}
	return tc.LastCompletion.Add(p.Delay), nil
}

// FixedRate schedules each run Rate after the previous scheduled instant,
// regardless of how long runs take.
type FixedRate struct {
	Rate         time.Duration
	InitialDelay time.Duration
}

func (FixedRate) Kind() Kind            { return KindFixedRate }
func (FixedRate) NeedsCompletion() bool { return false }

func (p FixedRate) Validate() error {
	if p.Rate <= 0 {
		return &PolicyError{Kind: KindFixedRate, Field: "rate", Reason: "must be > 0"}
	}
	if p.InitialDelay < 0 {
		return &PolicyError{Kind: KindFixedRate, Field: "initial_delay", Reason: "must be >= 0"}
	}
	return nil
}

func (p FixedRate) MaxLead() (time.Duration, bool) { return max(p.Rate, p.InitialDelay), true }

func (p FixedRate) String() string {
	if p.InitialDelay > 0 {
		return fmt.Sprintf("fixed_rate(%s, initial %s)", p.Rate, p.InitialDelay)
	}
	return fmt.Sprintf("fixed_rate(%s)", p.Rate)
}

func (p FixedRate) next(tc Context) (time.Time, error) {
	if tc.LastScheduled.IsZero() {
		return tc.Now.Add(p.InitialDelay), nil
	}
	return tc.LastScheduled.Add(p.Rate), nil
}

// Cron schedules runs at the instants matched by Expr.
type Cron struct {
	Expr *cronexpr.Expression
}

func (Cron) Kind() Kind                     { return KindCron }
func (Cron) NeedsCompletion() bool          { return false }
func (Cron) MaxLead() (time.Duration, bool) { return 0, false }

func (p Cron) Validate() error {
	if p.Expr == nil {
		return &PolicyError{Kind: KindCron, Field: "cron", Reason: "expression is nil"}
	}
	return nil
}

func (p Cron) String() string {
	if p.Expr == nil {
		return "cron(<nil>)"
	}
	return fmt.Sprintf("cron(%s @ %s)", p.Expr.String(), p.Expr.Zone())
}

func (p Cron) next(tc Context) (time.Time, error) {
	if p.Expr == nil {
		return time.Time{}, p.Validate()
	}
	return p.Expr.Next(tc.Now)
}
