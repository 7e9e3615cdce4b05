package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
)

// Authenticator resolves a bearer token to a principal; *auth.Service
// satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// Auth returns a handler that requires a valid Bearer token before
// delegating to next with the principal in the request context. Responds
// with 401 if the header is missing, malformed, or the token is rejected.
// Every rejection is recorded with sink.
func Auth(authn Authenticator, sink audit.Sink, next http.Handler) http.Handler {
	if sink == nil {
		sink = audit.Discard
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reject := func(status int, outcome, detail string) {
			sink.Emit(r.Context(), audit.Event{
				Category: audit.CategoryAuth,
				Actor:    PeerIP(r),
				Target:   r.Method + " " + r.URL.Path,
				Outcome:  outcome,
				Detail:   detail,
			})
			if status == http.StatusUnauthorized {
				unauthorized(w)
			}
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			reject(http.StatusUnauthorized, audit.OutcomeDenied, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" || strings.ContainsAny(token, " \t") {
			reject(http.StatusUnauthorized, audit.OutcomeDenied, "malformed bearer token")
			return
		}

		p, err := authn.Authenticate(r.Context(), token)
		if err != nil {
			status := apperr.HTTPStatus(err)
			if status == http.StatusUnauthorized {
				reject(status, audit.OutcomeDenied, err.Error())
				return
			}
			reject(status, audit.OutcomeFailure, err.Error())
			writeError(w, status, apperr.PublicMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
