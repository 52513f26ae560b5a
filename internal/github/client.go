// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"
)

// Client defines the set of GitHub operations the dispatcher and the runner
// need: commit statuses, pull request queries and failure issues.
//
//go:generate mockgen -destination=../mocks/mock_github_client.go -package=mocks . Client
type Client interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*github.PullRequest, error)
	GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
	ListStatuses(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error)
	CreateStatus(ctx context.Context, owner, repo, ref string, status github.RepoStatus) error
	CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error)
}

type gitHubClient struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHubClient wraps the official go-github client to provide a focused,
// testable interface for application-specific GitHub operations.
func NewGitHubClient(client *github.Client, logger *slog.Logger) Client {
	return &gitHubClient{client: client, logger: logger}
}

// NewPATClient creates a new GitHub client authenticated with a Personal Access Token (PAT).
// A non-empty apiURL selects a GitHub Enterprise instance.
func NewPATClient(ctx context.Context, token, apiURL string, logger *slog.Logger) (Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	client, err := newClient(oauth2.NewClient(ctx, ts), apiURL)
	if err != nil {
		return nil, err
	}
	return &gitHubClient{client: client, logger: logger}, nil
}

func newClient(httpClient *http.Client, apiURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if apiURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(apiURL, apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure enterprise url %s: %w", apiURL, err)
	}
	return client, nil
}

// GetPullRequest retrieves a single pull request by its number.
func (g *gitHubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		g.logger.Error("failed to get pull request", "owner", owner, "repo", repo, "pr", number, "error", err)
		return nil, err
	}
	return pr, nil
}

// ListOpenPullRequests returns every open pull request, following pagination.
func (g *gitHubClient) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*github.PullRequest, error) {
	var all []*github.PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		pulls, resp, err := g.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			g.logger.Error("failed to list open pull requests", "owner", owner, "repo", repo, "error", err)
			return nil, err
		}
		all = append(all, pulls...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetRepository retrieves repository metadata such as the default branch.
func (g *gitHubClient) GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	r, _, err := g.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		g.logger.Error("failed to get repository", "owner", owner, "repo", repo, "error", err)
		return nil, err
	}
	return r, nil
}

// ListStatuses returns the latest status of every context on ref.
// The combined status endpoint already collapses history to one entry per
// context; pagination is followed for refs with many contexts.
func (g *gitHubClient) ListStatuses(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error) {
	var all []*github.RepoStatus
	opts := &github.ListOptions{PerPage: 100}

	for {
		combined, resp, err := g.client.Repositories.GetCombinedStatus(ctx, owner, repo, ref, opts)
		if err != nil {
			g.logger.Error("failed to get combined status", "owner", owner, "repo", repo, "ref", ref, "error", err)
			return nil, err
		}
		all = append(all, combined.Statuses...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CreateStatus writes a commit status for ref.
func (g *gitHubClient) CreateStatus(ctx context.Context, owner, repo, ref string, status github.RepoStatus) error {
	_, _, err := g.client.Repositories.CreateStatus(ctx, owner, repo, ref, &status)
	if err != nil {
		g.logger.Error("failed to create commit status", "owner", owner, "repo", repo, "ref", ref, "context", status.GetContext(), "error", err)
	}
	return err
}

// CreateIssue opens a new issue.
func (g *gitHubClient) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	issue, _, err := g.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		g.logger.Error("failed to create issue", "owner", owner, "repo", repo, "error", err)
		return nil, err
	}
	return issue, nil
}
