package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v73/github"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

// maxDescriptionLength is the longest status description GitHub accepts.
const maxDescriptionLength = 140

// StatusService is the reporting surface: it reads and writes commit
// statuses, resolves pull requests into revisions and files failure issues.
type StatusService struct {
	client Client
	logger *slog.Logger
}

// NewStatusService creates a StatusService on top of client.
func NewStatusService(client Client, logger *slog.Logger) *StatusService {
	return &StatusService{client: client, logger: logger}
}

// Statuses returns the latest status of each context on sha, keyed by context.
func (s *StatusService) Statuses(ctx context.Context, repo, sha string) (map[string]core.StatusContext, error) {
	owner, name := core.SplitRepo(repo)
	raw, err := s.client.ListStatuses(ctx, owner, name, sha)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses for %s@%s: %w", repo, sha, err)
	}

	out := make(map[string]core.StatusContext, len(raw))
	for _, st := range raw {
		c := core.StatusContext{
			Context:     st.GetContext(),
			State:       core.StatusState(st.GetState()),
			Description: st.GetDescription(),
			TargetURL:   st.GetTargetURL(),
		}
		// The API lists newest first; keep the first entry per context.
		if _, seen := out[c.Context]; !seen {
			out[c.Context] = c
		}
	}
	return out, nil
}

// SetStatus writes one status record on sha.
func (s *StatusService) SetStatus(ctx context.Context, repo, sha string, status core.StatusContext) error {
	if status.State == core.StateAbsent {
		return fmt.Errorf("refusing to write an absent status for %s", status.Context)
	}
	owner, name := core.SplitRepo(repo)

	st := github.RepoStatus{
		State:       github.Ptr(string(status.State)),
		Context:     github.Ptr(status.Context),
		Description: github.Ptr(truncate(status.Description, maxDescriptionLength)),
	}
	if status.TargetURL != "" {
		st.TargetURL = github.Ptr(status.TargetURL)
	}

	if err := s.client.CreateStatus(ctx, owner, name, sha, st); err != nil {
		return fmt.Errorf("failed to set status %s=%s on %s@%s: %w", status.Context, status.State, repo, sha, err)
	}
	s.logger.Debug("status written", "repo", repo, "sha", sha, "context", status.Context, "state", status.State, "description", status.Description)
	return nil
}

// PullRevision resolves an open pull request into its revision.
func (s *StatusService) PullRevision(ctx context.Context, repo string, number int) (core.Revision, error) {
	owner, name := core.SplitRepo(repo)
	pr, err := s.client.GetPullRequest(ctx, owner, name, number)
	if err != nil {
		return core.Revision{}, fmt.Errorf("failed to get pull request %s#%d: %w", repo, number, err)
	}
	if pr.GetState() != "open" {
		return core.Revision{}, fmt.Errorf("pull request %s#%d is %s: %w", repo, number, pr.GetState(), core.ErrNotFound)
	}
	return core.RevisionFromPull(repo, pr), nil
}

// PullHead returns the current head SHA of a pull request.
func (s *StatusService) PullHead(ctx context.Context, repo string, number int) (string, error) {
	owner, name := core.SplitRepo(repo)
	pr, err := s.client.GetPullRequest(ctx, owner, name, number)
	if err != nil {
		return "", fmt.Errorf("failed to get pull request %s#%d: %w", repo, number, err)
	}
	return pr.GetHead().GetSHA(), nil
}

// OpenPulls lists the revisions of every open pull request in repo.
func (s *StatusService) OpenPulls(ctx context.Context, repo string) ([]core.Revision, error) {
	owner, name := core.SplitRepo(repo)
	pulls, err := s.client.ListOpenPullRequests(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list open pull requests for %s: %w", repo, err)
	}
	out := make([]core.Revision, 0, len(pulls))
	for _, pr := range pulls {
		out = append(out, core.RevisionFromPull(repo, pr))
	}
	return out, nil
}

// DefaultBranch asks GitHub for the default branch of repo.
func (s *StatusService) DefaultBranch(ctx context.Context, repo string) (string, error) {
	owner, name := core.SplitRepo(repo)
	r, err := s.client.GetRepository(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("failed to get repository %s: %w", repo, err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s reports no default branch", repo)
	}
	return r.GetDefaultBranch(), nil
}

// OpenIssue files an issue for a failed job and returns its URL.
func (s *StatusService) OpenIssue(ctx context.Context, repo string, report core.Report, body string) (string, error) {
	owner, name := core.SplitRepo(repo)
	labels := report.Labels
	issue, err := s.client.CreateIssue(ctx, owner, name, &github.IssueRequest{
		Title:  github.Ptr(report.Title),
		Body:   github.Ptr(body),
		Labels: &labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open issue %q on %s: %w", report.Title, repo, err)
	}
	return issue.GetHTMLURL(), nil
}

// IsTransient reports whether err is worth retrying: network failures, rate
// limits (429) and server errors (5xx). Other 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return true
		case code >= http.StatusInternalServerError:
			return true
		case code >= http.StatusBadRequest:
			return false
		}
	}

	// Connection refused, resets and EOF carry no status code.
	return true
}

// Retryable marks permanent GitHub errors so retry.Do stops at once.
func Retryable(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return retry.Permanent(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
