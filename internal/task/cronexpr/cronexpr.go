package cronexpr

import (
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Field identifies one of the six cron fields.
type Field int

const (
	Second Field = iota
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek

	numFields = 6
)

type bounds struct {
	min, max int
	names    map[string]int
}

var fieldBounds = [numFields]bounds{
	Second:     {min: 0, max: 59},
	Minute:     {min: 0, max: 59},
	Hour:       {min: 0, max: 23},
	DayOfMonth: {min: 1, max: 31},
	Month: {min: 1, max: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}},
	// 7 is accepted as Sunday and folded onto 0 after parsing.
	DayOfWeek: {min: 0, max: 7, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}},
}

var fieldNames = [numFields]string{"second", "minute", "hour", "day-of-month", "month", "day-of-week"}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldNames[f]
}

// Expression is an immutable, parsed cron expression bound to a location.
type Expression struct {
	source string
	zone   string
	loc    *time.Location

	sets [numFields]uint64
	star [numFields]bool
}

// Parse parses a six-field expression. An empty zone means UTC.
func Parse(text, zone string) (*Expression, error) {
	parts := strings.Fields(text)
	if len(parts) != numFields {
		return nil, &ParseError{
			Field:  "expression",
			Value:  text,
			Reason: "expected 6 fields (second minute hour day-of-month month day-of-week), got " + strconv.Itoa(len(parts)),
		}
	}

	zone = strings.TrimSpace(zone)
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, &ParseError{Field: "zone", Value: zone, Reason: err.Error()}
		}
		loc = l
	}

	e := &Expression{source: strings.Join(parts, " "), zone: loc.String(), loc: loc}
	for i, p := range parts {
		set, star, err := parseField(Field(i), p)
		if err != nil {
			return nil, err
		}
		e.sets[i] = set
		e.star[i] = star
	}
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for static expressions.
func MustParse(text, zone string) *Expression {
	e, err := Parse(text, zone)
	if err != nil {
		panic(err)
	}
	return e
}

func parseField(f Field, text string) (uint64, bool, error) {
	b := fieldBounds[f]
	if text == "*" || (text == "?" && (f == DayOfMonth || f == DayOfWeek)) {
		return rangeBits(b.min, b.max, 1) & fieldMask(f), true, nil
	}
	if text == "?" {
		return 0, false, &ParseError{Field: f.String(), Value: text, Reason: "'?' is only allowed in day-of-month and day-of-week"}
	}

	var set uint64
	for _, item := range strings.Split(text, ",") {
		bitsOf, err := parseItem(f, item)
		if err != nil {
			return 0, false, err
		}
		set |= bitsOf
	}
	if f == DayOfWeek && set&(1<<7) != 0 {
		set = (set &^ (1 << 7)) | 1
	}
	if set == 0 {
		return 0, false, &ParseError{Field: f.String(), Value: text, Reason: "no values selected"}
	}
	return set, false, nil
}

func parseItem(f Field, item string) (uint64, error) {
	b := fieldBounds[f]
	fail := func(reason string) error {
		return &ParseError{Field: f.String(), Value: item, Reason: reason}
	}
	if item == "" {
		return 0, fail("empty list item")
	}

	rangePart, stepPart, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fail("malformed step: must be a positive integer")
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = b.min, stepMax(f)
	case strings.Contains(rangePart, "-"):
		a, z, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = parseValue(f, a); err != nil {
			return 0, err
		}
		if hi, err = parseValue(f, z); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fail("malformed range: start is after end")
		}
	default:
		v, err := parseValue(f, rangePart)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
		if hasStep {
			// "a/b": every b-th value starting at a, bounded by the field domain.
			hi = stepMax(f)
		}
	}
	return rangeBits(lo, hi, step), nil
}

func parseValue(f Field, s string) (int, error) {
	b := fieldBounds[f]
	if v, ok := b.names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ParseError{Field: f.String(), Value: s, Reason: "not a number"}
	}
	if v < b.min || v > b.max {
		return 0, &ParseError{
			Field:  f.String(),
			Value:  s,
			Reason: "out of range " + strconv.Itoa(b.min) + "-" + strconv.Itoa(b.max),
		}
	}
	return v, nil
}

// stepMax is the upper bound for open-ended steps; the Sunday alias 7 is excluded.
func stepMax(f Field) int {
	if f == DayOfWeek {
		return 6
	}
	return fieldBounds[f].max
}

func rangeBits(lo, hi, step int) uint64 {
	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
		if hi-v < step {
			break
		}
	}
	return set
}

// fieldMask keeps only canonical values (day-of-week 0-6).
func fieldMask(f Field) uint64 {
	if f == DayOfWeek {
		return rangeBits(0, 6, 1)
	}
	b := fieldBounds[f]
	return rangeBits(b.min, b.max, 1)
}

// Source returns the normalized input text.
func (e *Expression) Source() string { return e.source }

// Zone returns the IANA name of the expression's location.
func (e *Expression) Zone() string { return e.zone }

func (e *Expression) Location() *time.Location { return e.loc }

// IsWildcard reports whether the field was written as "*" or "?".
func (e *Expression) IsWildcard(f Field) bool { return e.star[f] }

// Accepts reports whether v is in the field's accepted set.
// Day-of-week 7 is treated as Sunday.
func (e *Expression) Accepts(f Field, v int) bool {
	if f == DayOfWeek && v == 7 {
		v = 0
	}
	if v < 0 || v > 63 {
		return false
	}
	return e.sets[f]&(1<<uint(v)) != 0
}

// Values returns the accepted values of a field in ascending order.
func (e *Expression) Values(f Field) []int {
	set := e.sets[f]
	out := make([]int, 0, bits.OnesCount64(set))
	for set != 0 {
		v := bits.TrailingZeros64(set)
		out = append(out, v)
		set &^= 1 << uint(v)
	}
	return out
}

// String returns the canonical form: "*" for wildcard fields, otherwise a
// sorted list of values and ranges. Parsing it yields the same accepted sets.
func (e *Expression) String() string {
	var sb strings.Builder
	for i := 0; i < numFields; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if e.star[i] {
			sb.WriteByte('*')
			continue
		}
		writeSet(&sb, e.Values(Field(i)))
	}
	return sb.String()
}

func writeSet(sb *strings.Builder, vals []int) {
	for i := 0; i < len(vals); {
		j := i
		for j+1 < len(vals) && vals[j+1] == vals[j]+1 {
			j++
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		switch {
		case j-i >= 2:
			sb.WriteString(strconv.Itoa(vals[i]))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(vals[j]))
		case j-i == 1:
			sb.WriteString(strconv.Itoa(vals[i]))
			sb.WriteByte(',')
			sb.WriteString(strconv.Itoa(vals[j]))
		default:
			sb.WriteString(strconv.Itoa(vals[i]))
		}
		i = j + 1
	}
}

// Matches reports whether t (converted to the expression zone) satisfies every field.
func (e *Expression) Matches(t time.Time) bool {
	t = t.In(e.loc)
	return e.Accepts(Second, t.Second()) &&
		e.Accepts(Minute, t.Minute()) &&
		e.Accepts(Hour, t.Hour()) &&
		e.Accepts(Month, int(t.Month())) &&
		e.dayMatches(t.Day(), t.Weekday())
}

// dayMatches combines day-of-month and day-of-week: OR when both are
// restricted, otherwise only the restricted one constrains.
func (e *Expression) dayMatches(day int, wd time.Weekday) bool {
	domOK := e.Accepts(DayOfMonth, day)
	dowOK := e.Accepts(DayOfWeek, int(wd))
	switch {
	case e.star[DayOfMonth] && e.star[DayOfWeek]:
		return true
	case e.star[DayOfMonth]:
		return dowOK
	case e.star[DayOfWeek]:
		return domOK
	default:
		return domOK || dowOK
	}
}

// nextIn returns the smallest accepted value >= v in field f.
func (e *Expression) nextIn(f Field, v int) (int, bool) {
	if v > 63 {
		return 0, false
	}
	rest := e.sets[f] >> uint(v)
	if rest == 0 {
		return 0, false
	}
	return v + bits.TrailingZeros64(rest), true
}
