package trigger

import "fmt"

// PolicyError reports invalid policy parameters.
type PolicyError struct {
	Kind   Kind
	Field  string
	Value  string
	Reason string
}

func (e *PolicyError) Error() string {
	switch {
	case e.Kind == "" && e.Field == "":
		return "trigger: " + e.Reason
	case e.Value != "":
		return fmt.Sprintf("trigger: %s %s %q: %s", e.Kind, e.Field, e.Value, e.Reason)
	default:
		return fmt.Sprintf("trigger: %s %s: %s", e.Kind, e.Field, e.Reason)
	}
}
