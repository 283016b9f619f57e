package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type mockDBChecker struct{ err error }

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

type mockSessionCounter struct{ n int }

func (m *mockSessionCounter) ConnectedCount() int { return m.n }

func newTestServer() *Server {
	return NewServer(":0", nil, &mockSessionCounter{n: 3}, zap.NewNop())
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestReadyzNoDBConfiguredIsStillReady(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when no DB is configured, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["checks"].(map[string]any)["postgres"] != "disabled" {
		t.Fatalf("expected postgres check 'disabled', got %v", body["checks"])
	}
	if body["sessions_connected"].(float64) != 3 {
		t.Fatalf("expected sessions_connected 3, got %v", body["sessions_connected"])
	}
}

func TestReadyzDBDownIsNotReady(t *testing.T) {
	s := newTestServer()
	s.dbChecker = &mockDBChecker{err: context.DeadlineExceeded}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyzDBUpIsReady(t *testing.T) {
	s := newTestServer()
	s.dbChecker = &mockDBChecker{err: nil}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
