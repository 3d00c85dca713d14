package trigger

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrClockMinutes = errors.New("minutes must be 00-59")
	ErrDurationForm = errors.New("use a Go duration like '1500ms' or HH:MM")
)

var reClock = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseDuration accepts a Go duration string ("1500ms", "2h30m") or HH:MM
// ("00:50"). Surrounding space is ignored; empty input is 0. The sign is not
// checked here.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if m := reClock.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, ErrClockMinutes
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ErrDurationForm
	}
	return d, nil
}
