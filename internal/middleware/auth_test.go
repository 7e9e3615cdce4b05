package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/middleware"
)

const testToken = "super-secret-token"

// okHandler is a trivial next handler.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// fakeAuthn accepts testToken as user 7 and fails everything else with err.
type fakeAuthn struct{ err error }

func (f fakeAuthn) Authenticate(_ context.Context, token string) (auth.Principal, error) {
	if token == testToken {
		return auth.UserSession{UserID: 7}, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, apperr.ErrTokenMalformed
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantReach  bool // whether the next handler should be called
	}{
		{name: "no header", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "basic auth scheme", authHeader: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "bearer prefix only", authHeader: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "lowercase scheme", authHeader: "bearer " + testToken, wantStatus: http.StatusUnauthorized},
		{name: "leading space", authHeader: "Bearer  " + testToken, wantStatus: http.StatusUnauthorized},
		{name: "wrong token", authHeader: "Bearer wrong-token", wantStatus: http.StatusUnauthorized},
		{name: "correct token", authHeader: "Bearer " + testToken, wantStatus: http.StatusOK, wantReach: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				if got := auth.UserID(r.Context()); got != 7 {
					t.Errorf("principal user id: got %d, want 7", got)
				}
				w.WriteHeader(http.StatusOK)
			})

			handler := middleware.Auth(fakeAuthn{}, nil, next)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReach {
				t.Errorf("handler reached: got %v, want %v", reached, tt.wantReach)
			}
		})
	}
}

func TestAuth_UnauthorizedResponse(t *testing.T) {
	handler := middleware.Auth(fakeAuthn{err: apperr.ErrTokenExpired}, nil, okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type on 401: got %q, want application/json", ct)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate: got %q, want Bearer", got)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// Expired and malformed tokens are indistinguishable to the client.
	if body["error"] != "unauthorized" {
		t.Errorf("error: got %q, want unauthorized", body["error"])
	}
}

func TestAuth_StorageFailureIsNotUnauthorized(t *testing.T) {
	storageErr := &apperr.StorageError{Op: "user by id", Retryable: true, Err: context.DeadlineExceeded}
	handler := middleware.Auth(fakeAuthn{err: storageErr}, nil, okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer other")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "" {
		t.Error("WWW-Authenticate must only accompany 401")
	}
}

func TestAuth_RejectionsAreAudited(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		authnErr   error
		wantDetail string
		outcome    string
	}{
		{"missing header", "", nil, "missing bearer token", audit.OutcomeDenied},
		{"malformed header", "Bearer a b", nil, "malformed bearer token", audit.OutcomeDenied},
		{"expired token", "Bearer expired", apperr.ErrTokenExpired, apperr.ErrTokenExpired.Error(), audit.OutcomeDenied},
		{"unknown subject", "Bearer ghost", apperr.ErrUnknownSubject, apperr.ErrUnknownSubject.Error(), audit.OutcomeDenied},
		{"storage failure", "Bearer slow", &apperr.StorageError{Op: "user by id", Err: context.DeadlineExceeded}, "", audit.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &countingSink{}
			handler := middleware.Auth(fakeAuthn{err: tt.authnErr}, sink, okHandler)

			req := httptest.NewRequest(http.MethodGet, "/api/machines", nil)
			req.RemoteAddr = "192.0.2.4:5000"
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if len(sink.events) != 1 {
				t.Fatalf("events: got %d, want 1", len(sink.events))
			}
			ev := sink.events[0]
			if ev.Category != audit.CategoryAuth || ev.Outcome != tt.outcome {
				t.Errorf("event: got %s/%s, want auth/%s", ev.Category, ev.Outcome, tt.outcome)
			}
			if ev.Actor != "192.0.2.4" || ev.Target != "GET /api/machines" {
				t.Errorf("actor/target: got %q %q", ev.Actor, ev.Target)
			}
			if tt.wantDetail != "" && ev.Detail != tt.wantDetail {
				t.Errorf("detail: got %q, want %q", ev.Detail, tt.wantDetail)
			}
		})
	}
}

func TestAuth_SuccessIsNotAudited(t *testing.T) {
	sink := &countingSink{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	middleware.Auth(fakeAuthn{}, sink, okHandler).ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.events) != 0 {
		t.Errorf("events: got %+v, want none", sink.events)
	}
}
