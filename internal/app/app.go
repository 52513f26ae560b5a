// Package app assembles the long-lived parts of ci-dispatch: the reconciler
// used by the CLI and the webhook server, and the queue worker used by the
// runner.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevigo/ci-dispatch/internal/config"
	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/github"
	"github.com/sevigo/ci-dispatch/internal/jobs"
	"github.com/sevigo/ci-dispatch/internal/logger"
	"github.com/sevigo/ci-dispatch/internal/policy"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/reconcile"
	"github.com/sevigo/ci-dispatch/internal/retry"
	"github.com/sevigo/ci-dispatch/internal/server"
	"github.com/sevigo/ci-dispatch/internal/storage"
)

// webhookQueueSize bounds reconciliations waiting for a worker.
const webhookQueueSize = 100

// Dispatch holds what a reconciliation needs apart from the publisher.
type Dispatch struct {
	Config   *config.Config
	Statuses *github.StatusService
	Policy   *policy.Resolver
	Router   *queue.Router
	Store    storage.Store
	Logger   *slog.Logger
}

func NewDispatch(cfg *config.Config, statuses *github.StatusService, resolver *policy.Resolver,
	router *queue.Router, store storage.Store, logger *slog.Logger) *Dispatch {
	return &Dispatch{
		Config:   cfg,
		Statuses: statuses,
		Policy:   resolver,
		Router:   router,
		Store:    store,
		Logger:   logger,
	}
}

// Reconciler returns a reconciler that hands its jobs to publisher.
func (d *Dispatch) Reconciler(publisher core.Publisher) *reconcile.Reconciler {
	return reconcile.New(d.Statuses, d.Statuses, d.Policy, d.Router, publisher, d.Store,
		ReconcileOptions(d.Config), logger.WithComponent(d.Logger, "reconciler"))
}

// ReconcileOptions maps the configuration onto reconciler options.
func ReconcileOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		TrustedAuthors: cfg.Reconcile.TrustedAuthors,
		Env:            cfg.Reconcile.Env,
		ReportLabels:   cfg.Reconcile.ReportLabels,
		Secrets: map[core.QueueName][]string{
			core.QueuePublic:     cfg.Queue.Secrets.Public,
			core.QueueRestricted: cfg.Queue.Secrets.Restricted,
		},
		MaxConcurrentPulls: cfg.Reconcile.MaxConcurrentPulls,
		PropagationTimeout: cfg.Reconcile.PropagationTimeout,
		StatusRetry:        retry.Policy{Attempts: cfg.Reconcile.StatusAttempts, Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		PublishRetry:       retry.Policy{Attempts: cfg.Reconcile.PublishAttempts, Initial: time.Second, Max: 30 * time.Second},
	}
}

// App is the webhook server with its reconciliation workers.
type App struct {
	ctx        context.Context
	cfg        *config.Config
	server     *server.Server
	dispatcher *jobs.Dispatcher[core.Request]
	publisher  *queue.AMQPPublisher
	logger     *slog.Logger
}

// NewApp sets up the webhook server. Accepted events are reconciled on
// reconcile.max_concurrent_pulls workers and published to the broker.
func NewApp(ctx context.Context, d *Dispatch) (*App, error) {
	cfg := d.Config
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	publisher := queue.NewAMQPPublisher(cfg.AMQP.URL, logger.WithComponent(d.Logger, "publisher"))
	rec := d.Reconciler(publisher)

	handle := func(ctx context.Context, req core.Request) error {
		res, err := rec.Reconcile(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to reconcile %s: %w", req.Trigger.TargetRepo(), err)
		}
		d.Logger.InfoContext(ctx, "webhook reconciliation finished",
			"repo", res.Revision.Repo, "sha", res.Revision.SHA, "enqueued", res.Enqueued())
		return res.Err()
	}
	dispatcher := jobs.NewDispatcher("reconcile", handle, cfg.Reconcile.MaxConcurrentPulls, webhookQueueSize, d.Logger)

	return &App{
		ctx:        ctx,
		cfg:        cfg,
		server:     server.NewServer(ctx, cfg, dispatcher, d.Logger),
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     d.Logger,
	}, nil
}

// Start runs the HTTP server.
func (a *App) Start() error {
	a.logger.Info("starting ci-dispatch webhook server",
		"server_port", a.cfg.Server.Port,
		"workers", a.cfg.Reconcile.MaxConcurrentPulls)
	return a.server.Start()
}

// Stop shuts down the server, drains the workers and closes the broker
// connection.
func (a *App) Stop() error {
	err := a.server.Stop()
	a.dispatcher.Stop()
	if cerr := a.publisher.Close(); cerr != nil {
		a.logger.Warn("failed to close broker connection", "error", cerr)
	}
	return err
}
