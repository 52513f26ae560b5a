// Package policy answers which test contexts a project requires on a branch.
package policy

import (
	"slices"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// Resolver maps (project, branch) to the configured contexts.
// It holds a read-only policy and is safe for concurrent use.
type Resolver struct {
	policy *core.Policy
}

// NewResolver returns a resolver over p. A nil policy resolves nothing.
func NewResolver(p *core.Policy) *Resolver {
	if p == nil {
		p = core.DefaultPolicy()
	}
	return &Resolver{policy: p}
}

// Resolve returns the contexts that must run for project on branch.
// With an empty request it returns the full configured list. Otherwise it
// returns the requested contexts that are configured, in the caller's order.
// Unknown projects and branches give an empty slice.
func (r *Resolver) Resolve(project, branch string, requested []string) []string {
	configured := r.contexts(project, branch)
	if len(requested) == 0 {
		return append([]string{}, configured...)
	}

	out := make([]string, 0, len(requested))
	for _, c := range requested {
		if slices.Contains(configured, c) && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Valid reports whether context is configured for project on branch.
func (r *Resolver) Valid(project, branch, context string) bool {
	return slices.Contains(r.contexts(project, branch), context)
}

// DefaultBranch returns the configured default branch, or "" when the
// forge should be asked.
func (r *Resolver) DefaultBranch(project string) string {
	return r.policy.Projects[project].DefaultBranch
}

// Branches lists the configured branches of project in sorted order.
func (r *Resolver) Branches(project string) []string {
	branches := make([]string, 0, len(r.policy.Projects[project].Branches))
	for b := range r.policy.Projects[project].Branches {
		branches = append(branches, b)
	}
	slices.Sort(branches)
	return branches
}

func (r *Resolver) contexts(project, branch string) []string {
	proj, ok := r.policy.Projects[project]
	if !ok {
		return nil
	}
	return proj.Branches[branch]
}
