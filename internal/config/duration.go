package config

import (
	"errors"
	"fmt"
	"time"

	"ticklane/internal/task/trigger"
)

// FieldError reports a config value that could not be used.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses an optional, non-negative duration: a Go duration
// string ("1500ms", "2m") or HH:MM. Empty input is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := trigger.ParseDuration(raw)
	if err != nil {
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Value: raw, Err: errors.New("must be >= 0")}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero input.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
