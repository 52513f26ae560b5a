package core

import (
	"fmt"
	"slices"
	"strings"
)

// Revision is the canonical description of the commit being tested.
type Revision struct {
	Repo string // owner/name
	SHA  string
	// Pull is the owning pull request number, 0 for direct SHA triggers.
	Pull int
	// TargetBranch is the pull request base, or the branch a direct SHA was
	// pushed to. Empty when unknown.
	TargetBranch string
	Author       string
	Labels       []string
	Title        string
}

// ShortSHA returns the first 8 characters of the commit hash.
func (r Revision) ShortSHA() string {
	if len(r.SHA) > 8 {
		return r.SHA[:8]
	}
	return r.SHA
}

// NoTest reports whether the revision is marked to skip automatic testing.
func (r Revision) NoTest() bool {
	if strings.Contains(strings.ToLower(r.Title), "[no-test]") {
		return true
	}
	return slices.ContainsFunc(r.Labels, func(l string) bool {
		return strings.EqualFold(l, "no-test")
	})
}

// Owner returns the repository owner.
func (r Revision) Owner() string {
	owner, _ := SplitRepo(r.Repo)
	return owner
}

// Name returns the repository name without its owner.
func (r Revision) Name() string {
	_, name := SplitRepo(r.Repo)
	return name
}

// SplitRepo splits "owner/name". A value without a slash yields an empty owner.
func SplitRepo(full string) (owner, name string) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok {
		return "", full
	}
	return owner, name
}

// ValidateRepo checks the owner/name form.
func ValidateRepo(full string) error {
	owner, name := SplitRepo(full)
	if owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid repository %q, expected owner/name", full)
	}
	return nil
}

// Trigger is the source of a reconciliation request. It is resolved into a
// Revision exactly once, before any rule is evaluated.
type Trigger interface {
	TargetRepo() string
	isTrigger()
}

// PullTrigger asks for a pull request by number.
type PullTrigger struct {
	Repo   string
	Number int
}

// SHATrigger asks for a raw commit, optionally on a known branch.
type SHATrigger struct {
	Repo   string
	SHA    string
	Branch string
}

// WebhookTrigger carries a revision already decoded from a webhook payload.
type WebhookTrigger struct {
	Revision Revision
}

func (t PullTrigger) TargetRepo() string    { return t.Repo }
func (t SHATrigger) TargetRepo() string     { return t.Repo }
func (t WebhookTrigger) TargetRepo() string { return t.Revision.Repo }

func (PullTrigger) isTrigger()    {}
func (SHATrigger) isTrigger()     {}
func (WebhookTrigger) isTrigger() {}

// Request is one reconciliation request.
type Request struct {
	Trigger Trigger
	// Contexts restricts the run to these contexts. Empty means the full policy.
	Contexts []string
	// Force is a manual maintainer re-trigger. It overrides the
	// authorization gate and re-queues un-claimed pending contexts.
	Force bool
	// RequestedBy is the login that asked, empty for operators using the CLI.
	RequestedBy string
	DryRun      bool
}

// Direct reports whether the request names its contexts or a raw commit.
func (r Request) Direct() bool {
	if len(r.Contexts) > 0 {
		return true
	}
	_, isSHA := r.Trigger.(SHATrigger)
	return isSHA
}
