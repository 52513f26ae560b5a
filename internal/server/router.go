package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/server/handler"
)

const (
	requestTimeout = 30 * time.Second
	// GitHub caps webhook payloads at 25 MiB.
	maxPayloadBytes = 25 << 20
)

// NewRouter serves the GitHub webhook endpoint next to health and
// Prometheus metrics.
func NewRouter(webhookSecret string, dispatcher core.JobDispatcher[core.Request], logger *slog.Logger) *chi.Mux {
	webhooks := handler.NewWebhookHandler(webhookSecret, dispatcher, logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())

	r.With(
		middleware.Timeout(requestTimeout),
		middleware.RequestSize(maxPayloadBytes),
		middleware.AllowContentType("application/json", "application/x-www-form-urlencoded"),
	).Post("/api/v1/webhook/github", webhooks.Handle)

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}
