package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevigo/ci-dispatch/internal/wire"
)

func main() {
	if err := run(); err != nil {
		slog.Error("webhook server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := wire.InitializeServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize webhook server: %w", err)
	}
	defer cleanup()

	errs := make(chan error, 1)
	go func() { errs <- app.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	if err := app.Stop(); err != nil {
		return fmt.Errorf("failed to stop webhook server: %w", err)
	}
	return nil
}
