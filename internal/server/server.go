// Package server implements the webhook HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sevigo/ci-dispatch/internal/config"
	"github.com/sevigo/ci-dispatch/internal/core"
)

const shutdownTimeout = 30 * time.Second

// Server serves the webhook endpoint until stopped.
type Server struct {
	ctx    context.Context
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the webhook server. Accepted events are handed to
// dispatcher for reconciliation.
func NewServer(ctx context.Context, cfg *config.Config, dispatcher core.JobDispatcher[core.Request], logger *slog.Logger) *Server {
	return &Server{
		ctx: ctx,
		server: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           NewRouter(cfg.GitHub.WebhookSecret, dispatcher, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		logger: logger,
	}
}

// Start listens until Stop is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.InfoContext(s.ctx, "starting webhook server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", s.server.Addr, err)
	}
	return nil
}

// Stop drains in-flight requests for up to shutdownTimeout.
func (s *Server) Stop() error {
	s.logger.Info("shutting down webhook server")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down webhook server: %w", err)
	}
	return nil
}
