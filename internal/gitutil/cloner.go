// Package gitutil provides a client for working with Git repositories.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// mirrorRefSpecs fetch branches and pull request heads into a bare mirror.
var mirrorRefSpecs = []gitconfig.RefSpec{
	"+refs/heads/*:refs/heads/*",
	"+refs/pull/*/head:refs/pull/*/head",
}

const mirrorRemote = "mirror"

// Client handles interacting with Git repositories.
type Client struct {
	Logger *slog.Logger
	token  string
}

// NewClient returns a new Client. A non-empty token authenticates HTTPS
// fetches as a GitHub access token.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Logger: logger, token: token}
}

func (c *Client) auth() transport.AuthMethod {
	if c.token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: c.token}
}

// Mirror creates or refreshes a bare mirror of repoURL at dir. Callers that
// share dir across processes must hold a lock around the call.
func (c *Client) Mirror(ctx context.Context, repoURL, dir string) error {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		c.Logger.InfoContext(ctx, "creating mirror", "url", repoURL, "path", dir)
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("failed to create mirror parent %s: %w", dir, err)
		}
		repo, err = git.PlainInit(dir, true)
		if err != nil {
			return fmt.Errorf("failed to init mirror at %s: %w", dir, err)
		}
		_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{repoURL}, Fetch: mirrorRefSpecs})
		if err != nil {
			return fmt.Errorf("failed to add origin to mirror: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to open mirror at %s: %w", dir, err)
	}

	c.Logger.DebugContext(ctx, "fetching into mirror", "url", repoURL, "path", dir)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   mirrorRefSpecs,
		Auth:       c.auth(),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s: %w", repoURL, err)
	}
	return nil
}

// Checkout materializes rev from the mirror at mirrorDir into workDir. rev is
// either a commit hash or a branch name. It returns the checked out hash.
func (c *Client) Checkout(ctx context.Context, mirrorDir, workDir, rev string) (string, error) {
	repo, err := git.PlainInit(workDir, false)
	if err != nil {
		return "", fmt.Errorf("failed to init work tree at %s: %w", workDir, err)
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  mirrorRemote,
		URLs:  []string{mirrorDir},
		Fetch: []gitconfig.RefSpec{"+refs/*:refs/remotes/" + mirrorRemote + "/*"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to add mirror remote: %w", err)
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: mirrorRemote, Tags: git.NoTags})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("failed to fetch from mirror: %w", err)
	}

	hash, err := c.resolve(repo, rev)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open work tree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", fmt.Errorf("failed to check out %s: %w", rev, err)
	}

	c.Logger.InfoContext(ctx, "checked out revision", "rev", rev, "hash", hash.String(), "path", workDir)
	return hash.String(), nil
}

func (c *Client) resolve(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if plumbing.IsHash(rev) {
		hash := plumbing.NewHash(rev)
		if _, err := repo.CommitObject(hash); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("commit %s is not in the mirror: %w", rev, err)
		}
		return hash, nil
	}

	ref := plumbing.Revision("refs/remotes/" + mirrorRemote + "/heads/" + rev)
	hash, err := repo.ResolveRevision(ref)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve branch %s: %w", rev, err)
	}
	return *hash, nil
}

// RepoURL returns the HTTPS clone URL of an owner/name repository.
func RepoURL(baseURL, repo string) string {
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	return baseURL + "/" + repo + ".git"
}
