// Package reconcile drives the commit status state machine of each test
// context and enqueues the jobs that need to run.
//
// A context moves absent -> pending(not tested) -> pending(testing) ->
// success | failure | error. Success and failure are final for a revision.
package reconcile

import "github.com/sevigo/ci-dispatch/internal/core"

// Decision is the outcome of the rule table for one context.
type Decision string

const (
	SkipFinished     Decision = "skip-finished"
	SkipNoTest       Decision = "skip-no-test"
	MarkNoTest       Decision = "mark-no-test"
	SkipTesting      Decision = "skip-testing"
	MarkUnauthorized Decision = "mark-unauthorized"
	SkipUnauthorized Decision = "skip-unauthorized"
	Trigger          Decision = "trigger"
	SkipPending      Decision = "skip-pending"
)

// Enqueues reports whether the decision publishes a job.
func (d Decision) Enqueues() bool { return d == Trigger }

// Input is everything the rule table looks at for one context.
type Input struct {
	Status core.StatusContext
	// NoTest is the revision's no-test mark.
	NoTest bool
	// Direct is an explicit request naming contexts or a raw commit.
	Direct  bool
	Trusted bool
	// Force is a maintainer re-trigger.
	Force bool
}

// Decide applies the transition rules in order; the first match wins.
func Decide(in Input) Decision {
	st := in.Status

	if st.State.Terminal() {
		return SkipFinished
	}

	if in.NoTest && !in.Direct {
		if st.State == core.StateAbsent {
			return MarkNoTest
		}
		return SkipNoTest
	}

	if st.IsTesting() {
		return SkipTesting
	}

	if !in.Trusted && !in.Force {
		switch {
		case st.State == core.StateAbsent:
			return MarkUnauthorized
		case st.IsNotAuthorized():
			return SkipUnauthorized
		}
	}

	if st.State == core.StatePending && !in.Force {
		return SkipPending
	}
	return Trigger
}

// normalize treats a leftover no-test marker as absent once the revision is
// no longer marked, so removing the mark lets the context run.
func normalize(st core.StatusContext, noTest bool) core.StatusContext {
	if !noTest && st.State == core.StatePending && st.Description == core.DescNoTesting {
		return core.StatusContext{Context: st.Context, State: core.StateAbsent}
	}
	return st
}
