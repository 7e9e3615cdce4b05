package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/handlers"
	"github.com/tphummel/rocks_monitor/internal/middleware"
	"github.com/tphummel/rocks_monitor/internal/registry"
	"github.com/tphummel/rocks_monitor/internal/server"
	"github.com/tphummel/rocks_monitor/internal/telemetry"
)

type nobody struct{}

func (nobody) Authenticate(context.Context, string) (auth.Principal, error) {
	return nil, context.Canceled
}

func newRouter(t *testing.T, limiter middleware.Limiter) http.Handler {
	t.Helper()
	d, err := db.New(":memory:", time.Second)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	reg := registry.New(d, nil, nil)
	h := &handlers.Handler{DB: d, Registry: reg, Telemetry: telemetry.New(d, reg, nil, nil)}
	return server.New(server.Options{
		Handler:       h,
		Authenticator: nobody{},
		Limiter:       limiter,
		CORSOrigins:   []string{"https://dash.example.com"},
	})
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = "192.0.2.10:4000"
	h.ServeHTTP(w, r)
	return w
}

func TestRateLimit_ExemptPaths(t *testing.T) {
	rl := middleware.NewRateLimiter(2, time.Minute)
	h := newRouter(t, rl)

	for i := range 2 {
		if w := get(h, "/"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
	}
	if w := get(h, "/"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request: got %d, want 429", w.Code)
	}
	if w := get(h, "/api/machines"); w.Code != http.StatusTooManyRequests {
		t.Errorf("authenticated route over the limit: got %d, want 429", w.Code)
	}

	for _, path := range []string{"/api/health", "/metrics", "/docs", "/openapi.yaml"} {
		if w := get(h, path); w.Code != http.StatusOK {
			t.Errorf("%s while limited: got %d, want 200", path, w.Code)
		}
	}
}

func TestExempt(t *testing.T) {
	tests := map[string]bool{
		"/api/health":   true,
		"/metrics":      true,
		"/docs":         true,
		"/openapi.yaml": true,
		"/":             false,
		"/api/login":    false,

		"/api/metrics/AA:BB:CC:DD:EE:FF": false,
	}
	for path, want := range tests {
		if got := server.Exempt(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Errorf("Exempt(%s): got %v, want %v", path, got, want)
		}
	}
}

func TestProcessTimeOnEveryResponse(t *testing.T) {
	h := newRouter(t, nil)

	for _, path := range []string{"/", "/api/health", "/api/machines", "/does-not-exist"} {
		w := get(h, path)
		if w.Header().Get(middleware.HeaderProcessTime) == "" {
			t.Errorf("%s (%d): missing %s", path, w.Code, middleware.HeaderProcessTime)
		}
	}
}

func TestPreflight(t *testing.T) {
	h := newRouter(t, middleware.NewRateLimiter(1, time.Minute))

	r := httptest.NewRequest(http.MethodOptions, "/api/maquina/status", nil)
	r.Header.Set("Origin", "https://dash.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPut)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Allow-Origin: got %q", got)
	}
	if w.Header().Get(middleware.HeaderProcessTime) == "" {
		t.Error("preflight is missing X-Process-Time")
	}
}

func TestAuthenticatorErrorIsNotLeaked(t *testing.T) {
	h := newRouter(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/machines", nil)
	r.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", w.Code)
	}
}
