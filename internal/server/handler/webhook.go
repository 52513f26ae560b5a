// Package handler provides the HTTP handlers of the webhook server.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v73/github"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/jobs"
	"github.com/sevigo/ci-dispatch/internal/metrics"
)

// WebhookHandler turns GitHub webhooks into reconciliation requests.
type WebhookHandler struct {
	secret     []byte
	dispatcher core.JobDispatcher[core.Request]
	logger     *slog.Logger
}

func NewWebhookHandler(secret string, dispatcher core.JobDispatcher[core.Request], logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes GitHub webhook requests.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// ValidatePayload skips the signature check for an empty secret.
	if len(h.secret) == 0 {
		h.logger.Error("rejecting webhook, no secret configured")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Error("invalid webhook payload signature", "error", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.logger.Error("could not parse webhook", "error", err)
		http.Error(w, "Could not parse webhook", http.StatusBadRequest)
		return
	}
	metrics.AddWebhookEvent(eventType)

	req, reason := requestFromEvent(event)
	if req == nil {
		h.logger.Debug("webhook not dispatched", "type", eventType, "reason", reason)
		_, _ = fmt.Fprint(w, reason)
		return
	}

	h.dispatch(r.Context(), w, *req)
}

// requestFromEvent returns the request an event asks for, or nil and the
// reason it asks for none.
func requestFromEvent(event any) (*core.Request, string) {
	var (
		req *core.Request
		err error
	)
	switch e := event.(type) {
	case *github.PingEvent:
		return nil, "pong"
	case *github.PullRequestEvent:
		req, err = core.RequestFromPullRequest(e)
	case *github.IssueCommentEvent:
		req, err = core.RequestFromIssueComment(e)
	default:
		return nil, "event type not handled"
	}
	if err != nil {
		return nil, err.Error()
	}
	return req, ""
}

func (h *WebhookHandler) dispatch(ctx context.Context, w http.ResponseWriter, req core.Request) {
	repo := req.Trigger.TargetRepo()
	if err := h.dispatcher.Dispatch(ctx, req); err != nil {
		h.logger.ErrorContext(ctx, "failed to dispatch reconciliation", "error", err, "repo", repo)
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "Failed to queue reconciliation", status)
		return
	}

	h.logger.InfoContext(ctx, "reconciliation queued", "repo", repo, "force", req.Force, "requested_by", req.RequestedBy)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprint(w, "Reconciliation accepted")
}
