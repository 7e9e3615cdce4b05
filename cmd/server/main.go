package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/config"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/handlers"
	"github.com/tphummel/rocks_monitor/internal/metrics"
	"github.com/tphummel/rocks_monitor/internal/middleware"
	"github.com/tphummel/rocks_monitor/internal/registry"
	"github.com/tphummel/rocks_monitor/internal/server"
	"github.com/tphummel/rocks_monitor/internal/telemetry"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 30 * time.Second

// app holds the wired service and the resources to release on shutdown.
type app struct {
	handler http.Handler
	db      *db.DB
	audit   *audit.Emitter
}

// newApp opens storage, seeds the initial admin account and builds the
// router. Metrics are registered with reg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	path, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	database, err := db.New(path, cfg.StorageTimeout())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:     cfg.JWTSecretKey,
		Algorithm:  cfg.JWTAlgorithm,
		Lifetime:   cfg.TokenLifetime(),
		Production: cfg.Production(),
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	if cfg.Production() && cfg.JWTSecretKey == auth.DefaultSecret {
		logger.Warn("JWT_SECRET_KEY is the built-in default, logins will fail until it is changed")
	}

	emitter := audit.New(logger, audit.DefaultBuffer)
	machines := registry.New(database, emitter, logger)
	svc := auth.NewService(database, machines, issuer, emitter, logger)

	created, err := svc.EnsureAdmin(ctx, cfg.InitialAdminEmail, cfg.InitialAdminPassword)
	if err != nil {
		emitter.Close()
		database.Close()
		return nil, fmt.Errorf("seed admin account: %w", err)
	}
	if created {
		logger.Info("created initial admin account", "email", auth.NormalizeEmail(cfg.InitialAdminEmail))
	}

	if err := metrics.RegisterWith(reg, database); err != nil {
		emitter.Close()
		database.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	h := &handlers.Handler{
		DB:        database,
		Auth:      svc,
		Registry:  machines,
		Telemetry: telemetry.New(database, machines, emitter, logger),
		Audit:     emitter,
		Logger:    logger,
		Version:   version,
		Commit:    commit,
	}
	handler := server.New(server.Options{
		Handler:        h,
		Authenticator:  svc,
		Limiter:        middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow()),
		Audit:          emitter,
		Logger:         logger,
		CORSOrigins:    middleware.SplitOrigins(cfg.CORSAllowOrigins),
		TrustedProxies: proxies,
	})
	return &app{handler: handler, db: database, audit: emitter}, nil
}

// close flushes pending audit events, then closes storage.
func (a *app) close() error {
	a.audit.Close()
	return a.db.Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	srv := server.NewHTTPServer(":"+cfg.Port, a.handler)
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "env", cfg.Env, "version", version, "commit", commit)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
