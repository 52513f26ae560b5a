// Package runner executes one job descriptor to a terminal commit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/github"
	"github.com/sevigo/ci-dispatch/internal/gitutil"
	"github.com/sevigo/ci-dispatch/internal/lock"
	"github.com/sevigo/ci-dispatch/internal/metrics"
	"github.com/sevigo/ci-dispatch/internal/retry"
	"github.com/sevigo/ci-dispatch/internal/util"
)

const (
	defaultReportAttempts = 5
	containerFile         = ".cockpit-ci/container"
	attachmentsDir        = "/var/tmp/attachments"
)

var (
	errTimeout     = errors.New("job timed out")
	errPullChanged = errors.New("pull request changed")
)

// StatusReporter is the forge surface the runner talks to.
type StatusReporter interface {
	SetStatus(ctx context.Context, repo, sha string, status core.StatusContext) error
	PullHead(ctx context.Context, repo string, number int) (string, error)
	OpenIssue(ctx context.Context, repo string, report core.Report, body string) (string, error)
}

// Checkouter mirrors repositories and materializes revisions.
type Checkouter interface {
	Mirror(ctx context.Context, repoURL, dir string) error
	Checkout(ctx context.Context, mirrorDir, workDir, rev string) (string, error)
}

// ResultRecorder keeps the history of finished jobs.
type ResultRecorder interface {
	RecordResult(ctx context.Context, d *core.JobDescriptor, runner string, res core.JobResult) error
}

type Options struct {
	// Host names this runner in the claim description and the history.
	Host           string
	DefaultImage   string
	DefaultCommand []string
	// Timeout applies when the descriptor has none.
	Timeout          time.Duration
	CacheDir         string
	WorkRoot         string
	LockWait         time.Duration
	PullPollInterval time.Duration
	ReportRetry      retry.Policy
	// RepoBaseURL is the clone URL prefix; empty means github.com.
	RepoBaseURL string
	Now         func() time.Time
}

// Runner carries a job from claim to report.
type Runner struct {
	statuses StatusReporter
	git      Checkouter
	provider Provider
	secrets  SecretStore
	logs     LogStore
	locker   *lock.Locker
	results  ResultRecorder
	opts     Options
	logger   *slog.Logger
}

func New(statuses StatusReporter, git Checkouter, provider Provider, secrets SecretStore, logs LogStore,
	locker *lock.Locker, results ResultRecorder, opts Options, logger *slog.Logger) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Minute
	}
	if opts.PullPollInterval <= 0 {
		opts.PullPollInterval = time.Minute
	}
	opts.ReportRetry = opts.ReportRetry.Bounded(defaultReportAttempts)
	return &Runner{
		statuses: statuses,
		git:      git,
		provider: provider,
		secrets:  secrets,
		logs:     logs,
		locker:   locker,
		results:  results,
		opts:     opts,
		logger:   logger,
	}
}

// Run executes d and reports its terminal status. It always returns a
// result; failures along the way are folded into it.
func (r *Runner) Run(ctx context.Context, d *core.JobDescriptor) core.JobResult {
	// Run also serves descriptors that never went through Validate.
	slug := strings.Trim(util.SafeName(d.Slug), ".-")
	if slug == "" {
		slug = util.SafeName(d.Context + "-" + d.SHA)
	}
	logger := r.logger.With("repo", d.Repo, "sha", d.SHA, "context", d.Context, "slug", slug)

	res := core.JobResult{Started: r.opts.Now(), ExitCode: -1}

	out, logURL, err := r.logs.Open(slug)
	if err != nil {
		logger.WarnContext(ctx, "job log unavailable, output is discarded", "error", err)
		out = nopWriteCloser{io.Discard}
	}
	defer out.Close()
	res.LogURL = logURL

	r.execute(ctx, d, slug, out, &res, logger)
	res.Finished = r.opts.Now()

	fmt.Fprintf(out, "\n%s: %s\n", res.State, res.Description)
	logger.InfoContext(ctx, "job finished",
		"state", res.State, "exit_code", res.ExitCode, "description", res.Description,
		"duration", res.Finished.Sub(res.Started))

	r.report(ctx, d, core.StatusContext{
		Context:     d.Context,
		State:       res.State,
		Description: res.Description,
		TargetURL:   res.LogURL,
	}, logger)

	if err := r.results.RecordResult(ctx, d, r.opts.Host, res); err != nil {
		logger.WarnContext(ctx, "failed to record job result", "error", err)
	}
	metrics.AddJobResult(res.State.String(), res.Finished.Sub(res.Started))

	if res.State == core.StateFailure && d.Report != nil {
		r.openIssue(ctx, d, res, logger)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, d *core.JobDescriptor, slug string, out io.Writer, res *core.JobResult, logger *slog.Logger) {
	fail := func(state core.StatusState, format string, args ...any) {
		res.State = state
		res.Description = fmt.Sprintf(format, args...)
	}

	workRoot, err := os.MkdirTemp(r.opts.WorkRoot, "job-")
	if err != nil {
		fail(core.StateError, "Failed to create work dir")
		logger.ErrorContext(ctx, "failed to create work dir", "error", err)
		return
	}
	defer func() {
		if err := os.RemoveAll(workRoot); err != nil {
			logger.WarnContext(ctx, "failed to remove work dir", "path", workRoot, "error", err)
		}
	}()

	secretsDir := ""
	if len(d.Secrets) > 0 {
		secretsDir = filepath.Join(workRoot, "secrets")
	}
	if err := writeSecrets(ctx, r.secrets, secretsDir, d.Secrets); err != nil {
		var resErr *core.SecretResolutionError
		if errors.As(err, &resErr) {
			fail(core.StateError, "Secret unavailable: %s", resErr.Name)
		} else {
			fail(core.StateError, "Secret unavailable")
		}
		logger.ErrorContext(ctx, "failed to resolve secrets", "error", err)
		return
	}

	claim := core.StatusContext{
		Context:     d.Context,
		State:       core.StatePending,
		Description: fmt.Sprintf("%s [%s]", core.DescTesting, r.opts.Host),
		TargetURL:   res.LogURL,
	}
	if err := r.setStatus(ctx, d, claim, logger); err != nil {
		fail(core.StateError, "Failed to claim status")
		logger.ErrorContext(ctx, "failed to claim status", "error", err)
		return
	}

	workDir := filepath.Join(workRoot, "src")
	if err := r.checkout(ctx, d, workDir, logger); err != nil {
		fail(core.StateError, "Checkout failed")
		fmt.Fprintf(out, "checkout failed: %v\n", err)
		logger.ErrorContext(ctx, "checkout failed", "error", err)
		return
	}

	image := r.image(d, workDir, logger)
	fmt.Fprintf(out, "Using container image: %s\n", image)
	env, err := r.provider.Acquire(ctx, Spec{
		Name:       slug,
		Image:      image,
		Env:        jobEnv(d.Env, res.LogURL),
		WorkDir:    workDir,
		SecretsDir: secretsDir,
	})
	if err != nil {
		fail(core.StateError, "Environment unavailable")
		fmt.Fprintf(out, "environment unavailable: %v\n", err)
		logger.ErrorContext(ctx, "failed to acquire environment", "image", image, "error", err)
		return
	}
	defer func() {
		if err := env.Destroy(); err != nil {
			logger.WarnContext(ctx, "failed to destroy environment", "error", err)
		}
	}()

	timeout := r.opts.Timeout
	if d.Timeout > 0 {
		timeout = time.Duration(d.Timeout) * time.Minute
	}
	jobCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, errTimeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)

	// Stopping the job always means tearing the environment down.
	stop := context.AfterFunc(jobCtx, func() { _ = env.Destroy() })
	defer stop()

	var watchers sync.WaitGroup
	defer func() {
		cancel(nil)
		watchers.Wait()
	}()
	if d.Pull > 0 {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			r.watchPull(jobCtx, d, cancel, logger)
		}()
	}

	cmd := d.Command
	if len(cmd) == 0 {
		cmd = r.opts.DefaultCommand
	}
	logger.InfoContext(ctx, "running job", "image", image, "command", cmd, "timeout", timeout)
	code, err := env.Exec(jobCtx, cmd, out)
	if err == nil && context.Cause(jobCtx) == nil {
		r.collectAttachments(jobCtx, env, slug, logger)
	}

	switch cause := context.Cause(jobCtx); {
	case errors.Is(cause, errTimeout):
		_ = env.Destroy()
		fail(core.StateError, "Timeout after %d minutes", int(timeout/time.Minute))
	case errors.Is(cause, errPullChanged):
		fail(core.StateFailure, "Pull request changed")
	case ctx.Err() != nil:
		fail(core.StateError, "Job cancelled")
	case err != nil:
		fail(core.StateError, "Environment failure")
		fmt.Fprintf(out, "environment failure: %v\n", err)
		logger.ErrorContext(ctx, "command could not run", "error", err)
	case code == 0:
		res.ExitCode = 0
		res.State = core.StateSuccess
		res.Description = "Tests passed"
	default:
		res.ExitCode = code
		fail(core.StateFailure, "Command exited with code %d", code)
	}
}

// image picks the descriptor's container, then the one the checked out
// project names in .cockpit-ci/container, then the runner default.
func (r *Runner) image(d *core.JobDescriptor, workDir string, logger *slog.Logger) string {
	if d.Container != "" {
		return strings.TrimSpace(d.Container)
	}
	data, err := os.ReadFile(filepath.Join(workDir, containerFile))
	switch {
	case err == nil && strings.TrimSpace(string(data)) != "":
		return strings.TrimSpace(string(data))
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		logger.Warn("failed to read project container file", "error", err)
	}
	return r.opts.DefaultImage
}

func jobEnv(base map[string]string, logURL string) map[string]string {
	env := maps.Clone(base)
	if env == nil {
		env = map[string]string{}
	}
	env["TEST_ATTACHMENTS"] = attachmentsDir
	if logURL != "" {
		env["COCKPIT_CI_LOG_URL"] = logURL
	}
	return env
}

// collectAttachments publishes what the job left in TEST_ATTACHMENTS next
// to its log. Missing attachments are not an error.
func (r *Runner) collectAttachments(ctx context.Context, env Environment, slug string, logger *slog.Logger) {
	dst, err := r.logs.AttachmentsDir(slug)
	if err != nil {
		logger.WarnContext(ctx, "attachments unavailable", "error", err)
		return
	}
	if err := env.CopyOut(ctx, attachmentsDir, dst); err != nil {
		logger.DebugContext(ctx, "no attachments collected", "error", err)
	}
}

func (r *Runner) checkout(ctx context.Context, d *core.JobDescriptor, workDir string, logger *slog.Logger) error {
	repo, rev := d.Repo, d.SHA
	if s := d.CommandSubject; s != nil {
		if s.Branch == "" {
			return fmt.Errorf("command subject %s has no branch", s.Repo)
		}
		repo, rev = s.Repo, s.Branch
	}

	mirror := filepath.Join(r.opts.CacheDir, util.RepoDirName(repo)+".git")
	err := r.locker.With(ctx, "git-"+repo, r.opts.LockWait, func(ctx context.Context) error {
		return r.git.Mirror(ctx, gitutil.RepoURL(r.opts.RepoBaseURL, repo), mirror)
	})
	if err != nil {
		return fmt.Errorf("failed to update mirror of %s: %w", repo, err)
	}

	hash, err := r.git.Checkout(ctx, mirror, workDir, rev)
	if err != nil {
		return err
	}
	logger.DebugContext(ctx, "checked out", "checkout_repo", repo, "rev", rev, "hash", hash)
	return nil
}

// watchPull cancels the job once the pull head moves away from d.SHA.
func (r *Runner) watchPull(ctx context.Context, d *core.JobDescriptor, cancel context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(r.opts.PullPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		head, err := r.statuses.PullHead(ctx, d.Repo, d.Pull)
		if err != nil {
			logger.WarnContext(ctx, "failed to poll pull head", "pull", d.Pull, "error", err)
			continue
		}
		if head != d.SHA {
			logger.InfoContext(ctx, "pull request changed, stopping job", "pull", d.Pull, "head", head)
			cancel(errPullChanged)
			return
		}
	}
}

func (r *Runner) setStatus(ctx context.Context, d *core.JobDescriptor, st core.StatusContext, logger *slog.Logger) error {
	return retry.Do(ctx, r.opts.ReportRetry, func(ctx context.Context) error {
		return github.Retryable(r.statuses.SetStatus(ctx, d.Repo, d.SHA, st))
	}, logger)
}

// report posts the terminal status. Giving up is logged; the result is kept
// in the job log and the history regardless.
func (r *Runner) report(ctx context.Context, d *core.JobDescriptor, st core.StatusContext, logger *slog.Logger) {
	// The job context may already be gone on shutdown; the terminal status
	// still has to go out.
	ctx = context.WithoutCancel(ctx)
	if err := r.setStatus(ctx, d, st, logger); err != nil {
		metrics.AddReportFailure()
		logger.ErrorContext(ctx, "failed to report job status, giving up", "state", st.State, "error", err)
	}
}

func (r *Runner) openIssue(ctx context.Context, d *core.JobDescriptor, res core.JobResult, logger *slog.Logger) {
	body := fmt.Sprintf("%s failed on %s.\n\nRevision: %s\nResult: %s\nLog: %s\n",
		d.Context, d.Repo, d.SHA, res.Description, res.LogURL)
	url, err := r.statuses.OpenIssue(context.WithoutCancel(ctx), d.Repo, *d.Report, body)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open failure issue", "title", d.Report.Title, "error", err)
		return
	}
	logger.InfoContext(ctx, "opened failure issue", "url", url)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
