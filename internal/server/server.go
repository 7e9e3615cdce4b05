// Package server assembles the HTTP router and its middleware chain.
package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/handlers"
	"github.com/tphummel/rocks_monitor/internal/metrics"
	"github.com/tphummel/rocks_monitor/internal/middleware"
)

// Options holds what the router needs beyond the handlers themselves.
type Options struct {
	Handler       *handlers.Handler
	Authenticator middleware.Authenticator
	Limiter       middleware.Limiter
	Audit         audit.Sink
	Logger        *slog.Logger
	CORSOrigins   []string

	// TrustedProxies are the peers whose forwarding headers name the
	// client for admission control.
	TrustedProxies []netip.Prefix
}

var exemptPaths = map[string]bool{
	"/api/health":   true,
	"/metrics":      true,
	"/docs":         true,
	"/openapi.yaml": true,
}

// Exempt reports whether r bypasses admission control.
func Exempt(r *http.Request) bool {
	return exemptPaths[r.URL.Path]
}

func quiet(r *http.Request) bool {
	return r.URL.Path == "/api/health" || r.URL.Path == "/metrics"
}

// New returns the root handler. From the outside in, requests pass through
// the process-time header, CORS, request logging and admission control
// before reaching the mux; each route records its own HTTP metrics.
func New(o Options) http.Handler {
	h := o.Handler
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authed := func(fn http.HandlerFunc) http.Handler {
		return middleware.Auth(o.Authenticator, o.Audit, fn)
	}

	routes := []struct {
		pattern string
		handler http.Handler
	}{
		{"GET /{$}", http.HandlerFunc(h.Root)},
		{"GET /api/health", http.HandlerFunc(h.Health)},
		{"GET /metrics", metrics.Handler()},
		{"GET /openapi.yaml", http.HandlerFunc(handlers.OpenAPISpec)},
		{"GET /docs", http.HandlerFunc(handlers.Docs)},

		{"POST /api/register", http.HandlerFunc(h.Register)},
		{"POST /api/login", http.HandlerFunc(h.Login)},

		{"GET /api/machines", authed(h.ListMachines)},
		{"POST /api/machines", authed(h.RegisterMachine)},
		{"POST /api/update_confg_maquina", authed(h.UpdateConfig)},
		{"GET /api/machine/{mac}", authed(h.GetConfig)},
		{"PUT /api/maquina/status", authed(h.PushStatus)},
		{"GET /api/metrics/{mac}", authed(h.ListMetrics)},
		{"GET /api/metrics/{mac}/aggregate", authed(h.AggregateMetrics)},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.pattern, metrics.Middleware(rt.pattern, rt.handler))
	}

	var handler http.Handler = mux
	if o.Limiter != nil {
		handler = middleware.RateLimit(o.Limiter, middleware.ClientIP(o.TrustedProxies), Exempt, o.Audit)(handler)
	}
	handler = middleware.RequestLogger(logger, quiet, handler)
	handler = middleware.CORS(o.CORSOrigins, handler)
	return middleware.ProcessTime(handler)
}

// NewHTTPServer returns an http.Server for handler with conservative
// timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
