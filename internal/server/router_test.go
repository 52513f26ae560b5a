package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sevigo/ci-dispatch/internal/core"
)

type discardDispatcher struct{}

func (discardDispatcher) Dispatch(context.Context, core.Request) error { return nil }
func (discardDispatcher) Stop()                                        {}

func TestRouter(t *testing.T) {
	r := NewRouter("secret", discardDispatcher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/health", want: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{method: http.MethodPost, path: "/api/v1/webhook/github", want: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/api/v1/webhook/github", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
