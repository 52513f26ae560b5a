// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/bradleyfalzon/ghinstallation/v2"

	"github.com/sevigo/ci-dispatch/internal/config"
)

// NewClientFromConfig picks the authentication mode from the configuration:
// a GitHub App installation when app_id is set, a personal access token otherwise.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Client, error) {
	if cfg.GitHub.AppID != 0 {
		return CreateInstallationClient(cfg, cfg.GitHub.InstallationID, logger)
	}
	return NewPATClient(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL, logger)
}

// CreateInstallationClient creates a GitHub client that is authenticated as a
// specific application installation. The transport refreshes the
// installation token on its own, so long-running runners keep working
// after the first token expires.
func CreateInstallationClient(cfg *config.Config, installationID int64, logger *slog.Logger) (Client, error) {
	logger.Info("creating GitHub installation client", "installation_id", installationID)

	privateKey, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.GitHub.PrivateKeyPath, err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, cfg.GitHub.AppID, installationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App installation transport: %w", err)
	}
	if cfg.GitHub.APIURL != "" {
		transport.BaseURL = cfg.GitHub.APIURL
	}

	client, err := newClient(&http.Client{Transport: transport}, cfg.GitHub.APIURL)
	if err != nil {
		return nil, err
	}
	return NewGitHubClient(client, logger), nil
}
