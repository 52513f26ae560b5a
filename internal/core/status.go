package core

import "strings"

// StatusState is the state of a commit status context as seen on the status API.
type StatusState string

const (
	// StateAbsent marks a context without any status record. It never goes on the wire.
	StateAbsent  StatusState = ""
	StatePending StatusState = "pending"
	StateSuccess StatusState = "success"
	StateFailure StatusState = "failure"
	StateError   StatusState = "error"
)

// Terminal reports whether a context in this state is finished for good.
// Only success and failure are final; error may be re-triggered.
func (s StatusState) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

func (s StatusState) String() string {
	if s == StateAbsent {
		return "absent"
	}
	return string(s)
}

// Reserved status descriptions. The reconciler and the runner communicate
// through these strings, so they must stay stable.
const (
	DescNotTested       = "Not yet tested"
	DescNotTestedDirect = "Not yet tested (direct trigger)"
	DescNoTesting       = "Manual testing required"
	DescNotAuthorized   = "Not authorized to test"
	DescTesting         = "Testing in progress"
)

// StatusContext is one status record for a revision, keyed by context name.
type StatusContext struct {
	Context     string      `json:"context"`
	State       StatusState `json:"state"`
	Description string      `json:"description"`
	TargetURL   string      `json:"target_url,omitempty"`
}

// IsTesting reports whether a runner has claimed the context.
func (s StatusContext) IsTesting() bool {
	return s.State == StatePending && strings.HasPrefix(s.Description, DescTesting)
}

// IsNotAuthorized reports whether a previous run already denied the context.
func (s StatusContext) IsNotAuthorized() bool {
	return s.State == StatePending && strings.HasPrefix(s.Description, DescNotAuthorized)
}

// Matches reports whether the record already carries the given fields.
// An empty targetURL matches any URL.
func (s StatusContext) Matches(state StatusState, description, targetURL string) bool {
	if s.State != state || s.Description != description {
		return false
	}
	return targetURL == "" || s.TargetURL == targetURL
}
