package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/ci-dispatch/internal/config"
	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/jobs"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/runner"
)

// Worker runs jobs from the broker queues.
type Worker struct {
	Config *config.Config
	Runner *runner.Runner
	Logger *slog.Logger
}

func NewWorker(cfg *config.Config, r *runner.Runner, logger *slog.Logger) *Worker {
	return &Worker{Config: cfg, Runner: r, Logger: logger}
}

// Consume runs runner.workers jobs at a time from queues until ctx is done.
func (w *Worker) Consume(ctx context.Context, queues []core.QueueName) error {
	run := func(ctx context.Context, d *core.JobDescriptor) error {
		res := w.Runner.Run(ctx, d)
		if res.State != core.StateSuccess {
			w.Logger.InfoContext(ctx, "job did not succeed", "slug", d.Slug, "state", res.State, "description", res.Description)
		}
		return nil
	}
	pool := jobs.NewDispatcher("runner", run, w.Config.Runner.Workers, 0, w.Logger)
	defer pool.Stop()

	consumer := queue.NewConsumer(w.Config.AMQP.URL, w.Logger)
	w.Logger.InfoContext(ctx, "consuming jobs", "queues", queues, "workers", w.Config.Runner.Workers)
	err := consumer.Consume(ctx, queues, func(ctx context.Context, d *core.JobDescriptor) error {
		return pool.Submit(ctx, d)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to consume jobs: %w", err)
	}
	return nil
}
