package cronexpr

import (
	"fmt"
	"time"
)

// ParseError reports a malformed expression, field or zone.
//
// Field is a field name ("second", ..., "day-of-week"), or "expression" for
// field-count problems, or "zone" for an unknown time zone.
type ParseError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cron: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NoMatchError is returned by Next when no instant matches within the lookahead window.
// It signals a degenerate expression such as February 30th.
type NoMatchError struct {
	Expr    string
	Zone    string
	After   time.Time
	Horizon int // years searched
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("cron: %q (%s) has no match within %d years after %s",
		e.Expr, e.Zone, e.Horizon, e.After.Format(time.RFC3339))
}
