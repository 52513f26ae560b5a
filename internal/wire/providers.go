package wire

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/wire"

	"github.com/sevigo/ci-dispatch/internal/app"
	"github.com/sevigo/ci-dispatch/internal/config"
	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/db"
	"github.com/sevigo/ci-dispatch/internal/github"
	"github.com/sevigo/ci-dispatch/internal/gitutil"
	"github.com/sevigo/ci-dispatch/internal/lock"
	"github.com/sevigo/ci-dispatch/internal/logger"
	"github.com/sevigo/ci-dispatch/internal/policy"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/retry"
	"github.com/sevigo/ci-dispatch/internal/runner"
	"github.com/sevigo/ci-dispatch/internal/storage"
)

// CommonSet provides configuration, logging, the forge client and history.
var CommonSet = wire.NewSet(
	config.LoadConfig,
	provideLoggerConfig,
	provideLogWriter,
	logger.NewLogger,
	github.NewClientFromConfig,
	github.NewStatusService,
	provideStore,
)

var DispatchSet = wire.NewSet(
	CommonSet,
	providePolicy,
	policy.NewResolver,
	provideRouter,
	app.NewDispatch,
)

var RunnerSet = wire.NewSet(
	CommonSet,
	provideLocker,
	provideGitClient,
	provideContainerProvider,
	provideSecretStore,
	provideLogStore,
	provideRunnerOptions,
	provideRunner,
	app.NewWorker,
)

func provideLoggerConfig(cfg *config.Config) logger.Config {
	return cfg.Logging
}

// provideLogWriter defers to the configured output.
func provideLogWriter() io.Writer {
	return nil
}

// provideStore connects the history database, or records nothing when
// database.host is empty.
func provideStore(cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.Database.Host == "" {
		logger.Debug("no database configured, history is not recorded")
		return storage.NewNopStore(), func() {}, nil
	}
	conn, cleanup, err := db.NewDatabase(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewStore(conn.DB), cleanup, nil
}

func providePolicy(cfg *config.Config, logger *slog.Logger) (*core.Policy, error) {
	p, err := config.LoadPolicy(cfg.Policy.File)
	if errors.Is(err, config.ErrPolicyNotFound) {
		logger.Warn("policy file not found, no contexts are required", "path", cfg.Policy.File)
		return p, nil
	}
	return p, err
}

func provideRouter(cfg *config.Config) *queue.Router {
	return queue.NewRouter(cfg.Queue.RestrictedMarkers, cfg.Queue.ElevatedBranches)
}

func provideLocker(cfg *config.Config, logger *slog.Logger) (*lock.Locker, error) {
	return lock.NewLocker(cfg.Runner.LockDir, logger)
}

func provideGitClient(cfg *config.Config, logger *slog.Logger) *gitutil.Client {
	return gitutil.NewClient(cfg.GitHub.Token, logger)
}

func provideContainerProvider(cfg *config.Config, locker *lock.Locker, logger *slog.Logger) runner.Provider {
	return runner.NewContainerProvider(cfg.Runner.ContainerCmd, locker, cfg.Runner.LockWait, logger)
}

func provideSecretStore(cfg *config.Config) (runner.SecretStore, error) {
	return runner.NewAgeSecretStore(cfg.Runner.SecretsDir, cfg.Runner.IdentityFile)
}

func provideLogStore(cfg *config.Config) runner.LogStore {
	return runner.NewFileLogStore(cfg.Runner.LogDir, cfg.Runner.LogURL)
}

func provideRunnerOptions(cfg *config.Config) (runner.Options, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	cacheDir, err := filepath.Abs(cfg.Runner.CacheDir)
	if err != nil {
		return runner.Options{}, err
	}
	repoBase := ""
	if cfg.GitHub.APIURL != "" {
		repoBase = webURL(cfg.GitHub.APIURL)
	}
	return runner.Options{
		Host:             host,
		DefaultImage:     cfg.Runner.DefaultImage,
		DefaultCommand:   cfg.Runner.DefaultCommand,
		Timeout:          cfg.Runner.Timeout,
		CacheDir:         cacheDir,
		LockWait:         cfg.Runner.LockWait,
		PullPollInterval: cfg.Runner.PullPollInterval,
		ReportRetry:      retry.Policy{Attempts: cfg.Runner.ReportAttempts, Initial: time.Second, Max: time.Minute},
		RepoBaseURL:      repoBase,
	}, nil
}

func provideRunner(statuses *github.StatusService, git *gitutil.Client, provider runner.Provider,
	secrets runner.SecretStore, logs runner.LogStore, locker *lock.Locker, store storage.Store,
	opts runner.Options, logger *slog.Logger) *runner.Runner {
	return runner.New(statuses, git, provider, secrets, logs, locker, store, opts, logger)
}

// webURL derives the clone host of a GitHub Enterprise API URL such as
// https://ghe.example.com/api/v3/.
func webURL(apiURL string) string {
	u := strings.TrimSuffix(apiURL, "/")
	return strings.TrimSuffix(u, "/api/v3")
}
