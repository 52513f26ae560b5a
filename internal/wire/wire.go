//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"github.com/sevigo/ci-dispatch/internal/app"
)

// InitializeDispatch wires the reconciler dependencies for the CLI.
func InitializeDispatch(ctx context.Context) (*app.Dispatch, func(), error) {
	wire.Build(DispatchSet)
	return &app.Dispatch{}, nil, nil
}

// InitializeServer wires the webhook server.
func InitializeServer(ctx context.Context) (*app.App, func(), error) {
	wire.Build(DispatchSet, app.NewApp)
	return &app.App{}, nil, nil
}

// InitializeRunner wires a job runner and its queue worker.
func InitializeRunner(ctx context.Context) (*app.Worker, func(), error) {
	wire.Build(RunnerSet)
	return &app.Worker{}, nil, nil
}
