package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/middleware"
	"github.com/tphummel/rocks_monitor/internal/registry"
	"github.com/tphummel/rocks_monitor/internal/telemetry"
)

// Request body limits. Agent documents get more room than credentials.
const (
	maxBodyBytes     = 64 * 1024
	maxDocumentBytes = 1 << 20
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB        *db.DB
	Auth      *auth.Service
	Registry  *registry.Registry
	Telemetry *telemetry.Engine
	Audit     audit.Sink
	Logger    *slog.Logger
	Version   string
	Commit    string
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (h *Handler) audit() audit.Sink {
	if h.Audit != nil {
		return h.Audit
	}
	return audit.Discard
}

// event describes a failed request for the audit log. The category follows
// the route family.
func (h *Handler) event(r *http.Request, status int, detail string) audit.Event {
	ev := audit.Event{
		Category: categoryFor(r.URL.Path),
		Actor:    middleware.PeerIP(r),
		Target:   r.Method + " " + r.URL.Path,
		Outcome:  audit.OutcomeFailure,
		Detail:   strconv.Itoa(status) + " " + detail,
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		ev.Actor = strconv.FormatInt(p.Subject(), 10)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		ev.Outcome = audit.OutcomeDenied
	}
	return ev
}

func categoryFor(path string) string {
	switch {
	case path == "/api/register" || path == "/api/login":
		return audit.CategoryAuth
	case strings.HasPrefix(path, "/api/maquina/") || strings.HasPrefix(path, "/api/metrics/"):
		return audit.CategoryMetrics
	default:
		return audit.CategoryConfig
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// fail translates err into a response and records it with the audit sink.
// Server-side failures are also logged with the underlying cause; the client
// only sees the public message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	h.audit().Emit(r.Context(), h.event(r, status, err.Error()))
	body := errorBody{Error: apperr.PublicMessage(err)}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body of at most limit bytes into v. It writes the
// error response itself and reports whether the caller should continue.
// An oversized body is 413; anything else that fails to decode is a
// validation error naming the offending field, or "body".
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.audit().Emit(r.Context(), h.event(r, http.StatusRequestEntityTooLarge, "request body too large"))
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	h.fail(w, r, decodeError(err))
	return false
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return apperr.Invalid(typeErr.Field, "must be a "+typeErr.Type.String())
	case errors.Is(err, io.EOF):
		return apperr.Invalid("body", "required")
	default:
		return apperr.Invalid("body", "must be valid JSON")
	}
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return p, ok
}

// Root handles GET /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Rocks Monitor backend is running"})
}

// Health handles GET /api/health. No auth required.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		h.logger().WarnContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}
