package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/github"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

// ScanOptions applies to every pull of a scan.
type ScanOptions struct {
	Contexts []string
	Force    bool
	DryRun   bool
}

// ScanSummary collects the results of a scan.
type ScanSummary struct {
	Results []*Result
	Errors  []error
}

// Enqueued counts the jobs published across all pulls.
func (s *ScanSummary) Enqueued() int {
	n := 0
	for _, r := range s.Results {
		n += r.Enqueued()
	}
	return n
}

// ScanOpenPulls reconciles every open pull request of repo with bounded
// concurrency. A failing pull or context is logged and skipped; the joined
// errors are returned alongside the summary.
func (r *Reconciler) ScanOpenPulls(ctx context.Context, repo string, opts ScanOptions) (*ScanSummary, error) {
	var pulls []core.Revision
	err := retry.Do(ctx, r.opts.StatusRetry, func(ctx context.Context) error {
		var err error
		pulls, err = r.pulls.OpenPulls(ctx, repo)
		if errors.Is(err, core.ErrNotFound) {
			return retry.Permanent(err)
		}
		return github.Retryable(err)
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to list open pulls: %w", err)
	}
	r.logger.Info("scanning open pull requests", "repo", repo, "count", len(pulls))

	var (
		mu      sync.Mutex
		summary ScanSummary
		g       errgroup.Group
	)
	g.SetLimit(r.opts.MaxConcurrentPulls)

	for _, rev := range pulls {
		g.Go(func() error {
			req := core.Request{
				Trigger:  core.WebhookTrigger{Revision: rev},
				Contexts: opts.Contexts,
				Force:    opts.Force,
				DryRun:   opts.DryRun,
			}
			res, err := r.reconcileRevision(ctx, rev, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Error("failed to reconcile pull, skipping", "repo", repo, "pull", rev.Pull, "error", err)
				summary.Errors = append(summary.Errors, fmt.Errorf("pull %d: %w", rev.Pull, err))
				return nil
			}
			summary.Results = append(summary.Results, res)
			if cerr := res.Err(); cerr != nil {
				r.logger.Error("some contexts failed", "repo", repo, "pull", rev.Pull, "error", cerr)
				summary.Errors = append(summary.Errors, fmt.Errorf("pull %d: %w", rev.Pull, cerr))
			}
			return nil
		})
	}
	_ = g.Wait()

	return &summary, errors.Join(summary.Errors...)
}
