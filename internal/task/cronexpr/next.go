package cronexpr

import "time"

// LookaheadYears bounds the search performed by Next.
const LookaheadYears = 5

// Next returns the earliest instant strictly after `after` that matches the
// expression, in the expression's location. It returns *NoMatchError when
// nothing matches within LookaheadYears.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	// Search on wall-clock time, represented as a UTC time.Time so that calendar
	// arithmetic is free of offset changes. Instants are resolved per candidate.
	c := wallOf(after.In(e.loc)).Add(time.Second)
	limit := c.AddDate(LookaheadYears, 0, 0)

	for !c.After(limit) {
		y, mo, d := c.Date()
		h, mi, s := c.Clock()

		if !e.Accepts(Month, int(mo)) {
			if nm, ok := e.nextIn(Month, int(mo)+1); ok && nm <= 12 {
				c = time.Date(y, time.Month(nm), 1, 0, 0, 0, 0, time.UTC)
			} else {
				c = time.Date(y+1, time.January, 1, 0, 0, 0, 0, time.UTC)
			}
			continue
		}
		if !e.dayMatches(d, c.Weekday()) {
			c = time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !e.Accepts(Hour, h) {
			if nh, ok := e.nextIn(Hour, h+1); ok && nh <= 23 {
				c = time.Date(y, mo, d, nh, 0, 0, 0, time.UTC)
			} else {
				c = time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
			}
			continue
		}
		if !e.Accepts(Minute, mi) {
			if nmi, ok := e.nextIn(Minute, mi+1); ok && nmi <= 59 {
				c = time.Date(y, mo, d, h, nmi, 0, 0, time.UTC)
			} else {
				c = time.Date(y, mo, d, h+1, 0, 0, 0, time.UTC)
			}
			continue
		}
		if !e.Accepts(Second, s) {
			if ns, ok := e.nextIn(Second, s+1); ok && ns <= 59 {
				c = time.Date(y, mo, d, h, mi, ns, 0, time.UTC)
			} else {
				c = time.Date(y, mo, d, h, mi+1, 0, 0, time.UTC)
			}
			continue
		}

		if at, ok := e.resolve(c); ok && at.After(after) {
			return at, nil
		}
		c = c.Add(time.Second)
	}
	return time.Time{}, &NoMatchError{Expr: e.source, Zone: e.zone, After: after, Horizon: LookaheadYears}
}

// resolve maps a wall-clock time onto an instant in e.loc.
//
// Ambiguous wall times (fall-back) resolve to their first occurrence.
// Nonexistent wall times (spring-forward gap) resolve to the first instant
// after the gap.
func (e *Expression) resolve(wall time.Time) (time.Time, bool) {
	naive := wall.Unix()
	offsets := candidateOffsets(time.Unix(naive, 0).In(e.loc))

	var (
		first time.Time
		found bool
	)
	for _, off := range offsets {
		t := time.Unix(naive-int64(off), 0).In(e.loc)
		if wallOf(t).Equal(wall) && (!found || t.Before(first)) {
			first, found = t, true
		}
	}
	if found {
		return first, true
	}

	var gapEnd time.Time
	for _, off := range offsets {
		t := time.Unix(naive-int64(off), 0).In(e.loc)
		if !wallOf(t).After(wall) {
			continue
		}
		start, _ := t.ZoneBounds()
		if start.IsZero() {
			start = t
		}
		if gapEnd.IsZero() || start.Before(gapEnd) {
			gapEnd = start
		}
	}
	if gapEnd.IsZero() {
		return time.Time{}, false
	}
	return gapEnd.In(e.loc), true
}

// candidateOffsets returns the UTC offsets of the zone period containing t and
// of its neighbours. Any instant whose wall clock equals a wall time near t uses
// one of them.
func candidateOffsets(t time.Time) []int {
	_, off := t.Zone()
	out := []int{off}
	start, end := t.ZoneBounds()
	if !start.IsZero() {
		_, prev := start.Add(-time.Second).Zone()
		out = appendUnique(out, prev)
	}
	if !end.IsZero() {
		_, next := end.Zone()
		out = appendUnique(out, next)
	}
	return out
}

func appendUnique(xs []int, v int) []int {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}

func wallOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}
