package trigger

import (
	"strings"
	"time"

	"ticklane/internal/task/cronexpr"
)

// Spec is the textual form of a policy, as found in configuration.
//
// Durations accept Go duration strings ("1500ms", "2h30m") or HH:MM ("00:50").
// Zone falls back to the caller-provided default, then UTC.
type Spec struct {
	Kind         string
	Delay        string
	Rate         string
	InitialDelay string
	Cron         string
	Zone         string
}

// Parse builds and validates a policy from s. Cron syntax problems surface as
// *cronexpr.ParseError, everything else as *PolicyError.
func Parse(s Spec, defaultZone string) (Policy, error) {
	kind, err := parseKind(s.Kind)
	if err != nil {
		return nil, err
	}

	var p Policy
	switch kind {
	case KindFixedDelay:
		if strings.TrimSpace(s.Rate) != "" || strings.TrimSpace(s.Cron) != "" {
			return nil, &PolicyError{Kind: kind, Field: "kind", Reason: "fixed_delay takes only delay and initial_delay"}
		}
		d, err := parseDuration(kind, "delay", s.Delay, true)
		if err != nil {
			return nil, err
		}
		init, err := parseDuration(kind, "initial_delay", s.InitialDelay, false)
		if err != nil {
			return nil, err
		}
		p = FixedDelay{Delay: d, InitialDelay: init}
	case KindFixedRate:
		if strings.TrimSpace(s.Delay) != "" || strings.TrimSpace(s.Cron) != "" {
			return nil, &PolicyError{Kind: kind, Field: "kind", Reason: "fixed_rate takes only rate and initial_delay"}
		}
		r, err := parseDuration(kind, "rate", s.Rate, true)
		if err != nil {
			return nil, err
		}
		init, err := parseDuration(kind, "initial_delay", s.InitialDelay, false)
		if err != nil {
			return nil, err
		}
		p = FixedRate{Rate: r, InitialDelay: init}
	case KindCron:
		if strings.TrimSpace(s.Delay) != "" || strings.TrimSpace(s.Rate) != "" || strings.TrimSpace(s.InitialDelay) != "" {
			return nil, &PolicyError{Kind: kind, Field: "kind", Reason: "cron takes only cron and zone"}
		}
		if strings.TrimSpace(s.Cron) == "" {
			return nil, &PolicyError{Kind: kind, Field: "cron", Reason: "required"}
		}
		zone := strings.TrimSpace(s.Zone)
		if zone == "" {
			zone = strings.TrimSpace(defaultZone)
		}
		expr, err := cronexpr.Parse(s.Cron, zone)
		if err != nil {
			return nil, err
		}
		p = Cron{Expr: expr}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fixed_delay", "fixed-delay", "delay":
		return KindFixedDelay, nil
	case "fixed_rate", "fixed-rate", "rate":
		return KindFixedRate, nil
	case "cron":
		return KindCron, nil
	case "":
		return "", &PolicyError{Field: "kind", Reason: "kind required (fixed_delay, fixed_rate or cron)"}
	default:
		return "", &PolicyError{Field: "kind", Value: raw, Reason: "unknown kind (use fixed_delay, fixed_rate or cron)"}
	}
}

func parseDuration(kind Kind, field, raw string, required bool) (time.Duration, error) {
	if required && strings.TrimSpace(raw) == "" {
		return 0, &PolicyError{Kind: kind, Field: field, Reason: "required"}
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, &PolicyError{Kind: kind, Field: field, Value: raw, Reason: err.Error()}
	}
	return d, nil
}
