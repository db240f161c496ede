package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"stylebench/internal/config"
	"stylebench/internal/session"
)

func newBareServer() *Server {
	return NewServer(config.Config{}, nil, nil, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSessionErrorAfterRequestDeadline(t *testing.T) {
	srv := newBareServer()
	handler := middleware.Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		srv.writeSessionError(w, r, &session.IterationAdvanceError{Iteration: 2, Err: r.Context().Err()})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session/advance", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 from the timeout middleware, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected the handler to leave the reply to the middleware, got %q", rec.Body.String())
	}
}

func TestSessionErrorUpstreamDeadline(t *testing.T) {
	srv := newBareServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	srv.writeSessionError(rec, req, fmt.Errorf("fetch profile: %w", context.DeadlineExceeded))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "upstream timed out" {
		t.Fatalf("unexpected body %#v", body)
	}
}
