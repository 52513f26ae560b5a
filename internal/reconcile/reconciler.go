package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/github"
	"github.com/sevigo/ci-dispatch/internal/metrics"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

// StatusStore reads and writes commit statuses.
type StatusStore interface {
	Statuses(ctx context.Context, repo, sha string) (map[string]core.StatusContext, error)
	SetStatus(ctx context.Context, repo, sha string, status core.StatusContext) error
}

// PullSource resolves pull requests and repository defaults.
type PullSource interface {
	PullRevision(ctx context.Context, repo string, number int) (core.Revision, error)
	OpenPulls(ctx context.Context, repo string) ([]core.Revision, error)
	DefaultBranch(ctx context.Context, repo string) (string, error)
}

// PolicyResolver answers which contexts a project needs on a branch.
type PolicyResolver interface {
	Resolve(project, branch string, requested []string) []string
	Valid(project, branch, context string) bool
	DefaultBranch(project string) string
}

// Recorder keeps a ledger of published jobs.
type Recorder interface {
	RecordDispatch(ctx context.Context, rev core.Revision, entry core.QueueEntry) error
}

// Options is the injected configuration of a Reconciler.
type Options struct {
	TrustedAuthors []string
	// Env is added to every descriptor. Keys are upper-cased.
	Env          map[string]string
	ReportLabels []string
	Secrets      map[core.QueueName][]string

	MaxConcurrentPulls int
	// PropagationTimeout bounds the wait for a status write to become
	// visible. Zero disables the wait.
	PropagationTimeout time.Duration
	StatusRetry        retry.Policy
	PublishRetry       retry.Policy

	// Now is the clock used for slugs.
	Now func() time.Time
}

// Reconciler evaluates the rule table for every required context of a
// revision, writes the minimal status updates and publishes jobs.
type Reconciler struct {
	statuses  StatusStore
	pulls     PullSource
	policy    PolicyResolver
	router    *queue.Router
	publisher core.Publisher
	recorder  Recorder
	opts      Options
	logger    *slog.Logger

	branchMu sync.Mutex
	branches map[string]string
}

// New creates a Reconciler. recorder may be nil.
func New(statuses StatusStore, pulls PullSource, policy PolicyResolver, router *queue.Router,
	publisher core.Publisher, recorder Recorder, opts Options, logger *slog.Logger) *Reconciler {
	if opts.MaxConcurrentPulls <= 0 {
		opts.MaxConcurrentPulls = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.StatusRetry = opts.StatusRetry.Bounded(3)
	opts.PublishRetry = opts.PublishRetry.Bounded(3)
	return &Reconciler{
		statuses:  statuses,
		pulls:     pulls,
		policy:    policy,
		router:    router,
		publisher: publisher,
		recorder:  recorder,
		opts:      opts,
		logger:    logger,
		branches:  map[string]string{},
	}
}

// Outcome is what happened to one context.
type Outcome struct {
	Context  string
	Decision Decision
	// Before is the status observed before any write.
	Before core.StatusContext
	// Wrote is set when a status update was sent.
	Wrote bool
	// Entry is the published (or, in a dry run, planned) job.
	Entry *core.QueueEntry
	Err   error
}

// Result summarizes one reconciliation of a revision.
type Result struct {
	Revision core.Revision
	Branch   string
	DryRun   bool
	Outcomes []Outcome
}

// Enqueued counts published jobs.
func (r *Result) Enqueued() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Entry != nil && o.Err == nil {
			n++
		}
	}
	return n
}

// Err joins the per-context errors.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Context, o.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) now() time.Time { return r.opts.Now() }

func (r *Reconciler) trusted(login string) bool {
	return login != "" && slices.Contains(r.opts.TrustedAuthors, login)
}

// Resolve turns a trigger into its canonical revision.
func (r *Reconciler) Resolve(ctx context.Context, trigger core.Trigger) (core.Revision, error) {
	if err := core.ValidateRepo(trigger.TargetRepo()); err != nil {
		return core.Revision{}, fmt.Errorf("%w: %w", core.ErrInvalidDescriptor, err)
	}

	switch t := trigger.(type) {
	case core.PullTrigger:
		if t.Number <= 0 {
			return core.Revision{}, fmt.Errorf("%w: invalid pull number %d", core.ErrInvalidDescriptor, t.Number)
		}
		var rev core.Revision
		err := retry.Do(ctx, r.opts.StatusRetry, func(ctx context.Context) error {
			var err error
			rev, err = r.pulls.PullRevision(ctx, t.Repo, t.Number)
			if errors.Is(err, core.ErrNotFound) {
				return retry.Permanent(err)
			}
			return github.Retryable(err)
		}, r.logger)
		return rev, err
	case core.SHATrigger:
		if t.SHA == "" {
			return core.Revision{}, fmt.Errorf("%w: sha is required", core.ErrInvalidDescriptor)
		}
		return core.Revision{Repo: t.Repo, SHA: t.SHA, TargetBranch: t.Branch}, nil
	case core.WebhookTrigger:
		return t.Revision, nil
	default:
		return core.Revision{}, fmt.Errorf("unsupported trigger %T", trigger)
	}
}

// Reconcile runs the rule table for every required context of the request's
// revision. Per-context failures are reported in the result; the returned
// error is reserved for failures that stop the whole revision.
func (r *Reconciler) Reconcile(ctx context.Context, req core.Request) (*Result, error) {
	rev, err := r.Resolve(ctx, req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trigger: %w", err)
	}
	return r.reconcileRevision(ctx, rev, req)
}

func (r *Reconciler) reconcileRevision(ctx context.Context, rev core.Revision, req core.Request) (*Result, error) {
	logger := r.logger.With("repo", rev.Repo, "sha", rev.ShortSHA(), "pull", rev.Pull)

	branch := rev.TargetBranch
	if branch == "" {
		var err error
		if branch, err = r.defaultBranch(ctx, rev.Repo); err != nil {
			return nil, err
		}
	}

	for _, c := range req.Contexts {
		if !r.policy.Valid(rev.Repo, branch, c) {
			return nil, fmt.Errorf("%w: %q is not configured for %s on %s", core.ErrUnknownContext, c, rev.Repo, branch)
		}
	}

	result := &Result{Revision: rev, Branch: branch, DryRun: req.DryRun}
	contexts := r.policy.Resolve(rev.Repo, branch, req.Contexts)
	if len(contexts) == 0 {
		logger.Info("no contexts configured, nothing to do", "branch", branch)
		return result, nil
	}

	var statuses map[string]core.StatusContext
	err := retry.Do(ctx, r.opts.StatusRetry, func(ctx context.Context) error {
		var err error
		statuses, err = r.statuses.Statuses(ctx, rev.Repo, rev.SHA)
		return github.Retryable(err)
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}

	force := req.Force && (req.RequestedBy == "" || r.trusted(req.RequestedBy))
	if req.Force && !force {
		logger.Warn("ignoring re-trigger from untrusted user", "requested_by", req.RequestedBy)
	}
	base := Input{
		NoTest:  rev.NoTest(),
		Direct:  req.Direct(),
		// A raw commit is already in the repository; only pull authors are gated.
		Trusted: rev.Pull == 0 || r.trusted(rev.Author),
		Force:   force,
	}

	for _, name := range contexts {
		st, ok := statuses[name]
		if !ok {
			st = core.StatusContext{Context: name, State: core.StateAbsent}
		}
		out := r.reconcileContext(ctx, rev, branch, st, base, req.DryRun, logger.With("context", name))
		result.Outcomes = append(result.Outcomes, out)
	}
	return result, nil
}

func (r *Reconciler) reconcileContext(ctx context.Context, rev core.Revision, branch string, observed core.StatusContext,
	base Input, dryRun bool, logger *slog.Logger) Outcome {
	out := Outcome{Context: observed.Context, Before: observed}

	cn, err := core.ParseContext(observed.Context)
	if err != nil {
		out.Err = err
		return out
	}

	in := base
	in.Status = normalize(observed, base.NoTest)
	out.Decision = Decide(in)
	metrics.AddDecision(string(out.Decision))
	logger.Debug("context decided", "state", observed.State, "description", observed.Description, "decision", out.Decision)

	var desired core.StatusContext
	switch out.Decision {
	case MarkNoTest:
		desired = core.StatusContext{Context: observed.Context, State: core.StatePending, Description: core.DescNoTesting}
	case MarkUnauthorized:
		desired = core.StatusContext{Context: observed.Context, State: core.StatePending, Description: core.DescNotAuthorized}
	case Trigger:
		desc := core.DescNotTested
		if base.Direct {
			desc = core.DescNotTestedDirect
		}
		desired = core.StatusContext{Context: observed.Context, State: core.StatePending, Description: desc}
	default:
		return out
	}

	var entry core.QueueEntry
	if out.Decision.Enqueues() {
		q := r.router.QueueFor(cn)
		d, err := r.descriptor(ctx, rev, observed.Context, cn, q)
		if err != nil {
			out.Err = err
			return out
		}
		entry = core.QueueEntry{Descriptor: d, Queue: q, Priority: r.router.PriorityFor(cn, branch)}
	}

	if dryRun {
		out.Wrote = !observed.Matches(desired.State, desired.Description, "")
		if out.Decision.Enqueues() {
			out.Entry = &entry
		}
		return out
	}

	if !observed.Matches(desired.State, desired.Description, "") {
		if err := r.writeStatus(ctx, rev, desired, logger); err != nil {
			out.Err = err
			return out
		}
		out.Wrote = true
		if out.Decision.Enqueues() {
			r.awaitStatus(ctx, rev, desired, logger)
		}
	}

	if !out.Decision.Enqueues() {
		return out
	}

	if err := r.publish(ctx, entry, logger); err != nil {
		out.Err = err
		return out
	}
	out.Entry = &entry

	if r.recorder != nil {
		if err := r.recorder.RecordDispatch(ctx, rev, entry); err != nil {
			logger.Warn("failed to record dispatch", "error", err)
		}
	}
	return out
}

func (r *Reconciler) writeStatus(ctx context.Context, rev core.Revision, status core.StatusContext, logger *slog.Logger) error {
	return retry.Do(ctx, r.opts.StatusRetry, func(ctx context.Context) error {
		return github.Retryable(r.statuses.SetStatus(ctx, rev.Repo, rev.SHA, status))
	}, logger)
}

// awaitStatus waits until the status API shows the write. A timeout is only
// logged; the job is published regardless.
func (r *Reconciler) awaitStatus(ctx context.Context, rev core.Revision, want core.StatusContext, logger *slog.Logger) {
	if r.opts.PropagationTimeout <= 0 {
		return
	}
	p := retry.Policy{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Deadline: r.opts.PropagationTimeout}
	err := retry.Until(ctx, p, func(ctx context.Context) (bool, error) {
		statuses, err := r.statuses.Statuses(ctx, rev.Repo, rev.SHA)
		if err != nil {
			return false, err
		}
		return statuses[want.Context].Matches(want.State, want.Description, ""), nil
	})
	if err != nil {
		logger.Warn("status write not visible yet, publishing anyway", "error", err)
	}
}

func (r *Reconciler) publish(ctx context.Context, entry core.QueueEntry, logger *slog.Logger) error {
	err := retry.Do(ctx, r.opts.PublishRetry, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, entry)
	}, logger)
	if err != nil {
		metrics.AddPublishFailed(string(entry.Queue))
		var pe *core.PublishError
		if !errors.As(err, &pe) {
			err = &core.PublishError{Queue: entry.Queue, Context: entry.Descriptor.Context, Err: err}
		}
		return err
	}
	metrics.AddPublished(string(entry.Queue), entry.Priority.String())
	return nil
}

// defaultBranch consults the policy file first and GitHub second. Answers
// from GitHub are cached for the lifetime of the Reconciler.
func (r *Reconciler) defaultBranch(ctx context.Context, repo string) (string, error) {
	if b := r.policy.DefaultBranch(repo); b != "" {
		return b, nil
	}

	r.branchMu.Lock()
	b, ok := r.branches[repo]
	r.branchMu.Unlock()
	if ok {
		return b, nil
	}

	err := retry.Do(ctx, r.opts.StatusRetry, func(ctx context.Context) error {
		var err error
		b, err = r.pulls.DefaultBranch(ctx, repo)
		return github.Retryable(err)
	}, r.logger)
	if err != nil {
		return "", fmt.Errorf("failed to get default branch of %s: %w", repo, err)
	}

	r.branchMu.Lock()
	r.branches[repo] = b
	r.branchMu.Unlock()
	return b, nil
}
