// Package config loads service configuration from defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/rocks_monitor/internal/apperr"
)

// Config is the service configuration. Durations are kept in the units the
// environment variables use.
type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL           string `yaml:"database_url"`
	StorageTimeoutSeconds int    `yaml:"storage_timeout_seconds"`

	JWTSecretKey         string `yaml:"jwt_secret_key"`
	JWTAlgorithm         string `yaml:"jwt_algorithm"`
	JWTExpirationMinutes int    `yaml:"jwt_expiration_minutes"`

	RateLimitRequests      int `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`

	CORSAllowOrigins string `yaml:"cors_allow_origins"`
	TrustedProxies   string `yaml:"trusted_proxies"`

	InitialAdminEmail    string `yaml:"initial_admin_email"`
	InitialAdminPassword string `yaml:"initial_admin_password"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                   "8000",
		Env:                    "development",
		LogLevel:               "info",
		DatabaseURL:            "sqlite:///./rocks_monitor.db",
		StorageTimeoutSeconds:  5,
		JWTSecretKey:           "change_me",
		JWTAlgorithm:           "HS256",
		JWTExpirationMinutes:   1440,
		RateLimitRequests:      120,
		RateLimitWindowSeconds: 60,
		CORSAllowOrigins:       "*",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"PORT":                   &c.Port,
		"APP_ENV":                &c.Env,
		"LOG_LEVEL":              &c.LogLevel,
		"DATABASE_URL":           &c.DatabaseURL,
		"JWT_SECRET_KEY":         &c.JWTSecretKey,
		"JWT_ALGORITHM":          &c.JWTAlgorithm,
		"CORS_ALLOW_ORIGINS":     &c.CORSAllowOrigins,
		"TRUSTED_PROXIES":        &c.TrustedProxies,
		"INITIAL_ADMIN_EMAIL":    &c.InitialAdminEmail,
		"INITIAL_ADMIN_PASSWORD": &c.InitialAdminPassword,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STORAGE_TIMEOUT_SECONDS":   &c.StorageTimeoutSeconds,
		"JWT_EXPIRATION_MINUTES":    &c.JWTExpirationMinutes,
		"RATE_LIMIT_REQUESTS":       &c.RateLimitRequests,
		"RATE_LIMIT_WINDOW_SECONDS": &c.RateLimitWindowSeconds,
	}
	var errs []error
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s must be an integer, got %q", apperr.ErrConfig, name, v))
			continue
		}
		*dst = n
	}
	return errors.Join(errs...)
}

// Validate reports the first problem that would prevent the service from
// starting correctly.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: PORT is empty", apperr.ErrConfig)
	case c.StorageTimeoutSeconds <= 0:
		return fmt.Errorf("%w: STORAGE_TIMEOUT_SECONDS must be positive", apperr.ErrConfig)
	case c.JWTExpirationMinutes <= 0:
		return fmt.Errorf("%w: JWT_EXPIRATION_MINUTES must be positive", apperr.ErrConfig)
	case c.RateLimitRequests <= 0:
		return fmt.Errorf("%w: RATE_LIMIT_REQUESTS must be positive", apperr.ErrConfig)
	case c.RateLimitWindowSeconds <= 0:
		return fmt.Errorf("%w: RATE_LIMIT_WINDOW_SECONDS must be positive", apperr.ErrConfig)
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("%w: unsupported JWT_ALGORITHM %q", apperr.ErrConfig, c.JWTAlgorithm)
	}
	if c.JWTSecretKey == "" {
		return fmt.Errorf("%w: JWT_SECRET_KEY is empty", apperr.ErrConfig)
	}
	if _, err := c.DatabasePath(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES, a comma separated list of
// CIDRs or single addresses. Forwarding headers are only believed from
// these peers. Empty means none.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(c.TrustedProxies, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.Contains(f, "/") {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("%w: TRUSTED_PROXIES entry %q: %v", apperr.ErrConfig, f, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("%w: TRUSTED_PROXIES entry %q: %v", apperr.ErrConfig, f, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Production reports whether the service runs in the production environment.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// DatabasePath converts DATABASE_URL to a SQLite file path.
func (c *Config) DatabasePath() (string, error) {
	u := strings.TrimSpace(c.DatabaseURL)
	for _, prefix := range []string{"sqlite+aiosqlite:///", "sqlite:///", "file:"} {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			if u == "" {
				break
			}
			return u, nil
		}
	}
	if u == "" || strings.Contains(u, "://") {
		return "", fmt.Errorf("%w: unsupported DATABASE_URL %q", apperr.ErrConfig, c.DatabaseURL)
	}
	return u, nil
}

// StorageTimeout returns the per-call storage deadline.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutSeconds) * time.Second
}

// TokenLifetime returns the session token lifetime.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.JWTExpirationMinutes) * time.Minute
}

// RateLimitWindow returns the admission window length.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: unsupported LOG_LEVEL %q", apperr.ErrConfig, s)
	}
	return l, nil
}
