package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tphummel/rocks_monitor/internal/apperr"
)

//go:embed migrations/*.sql
var migrations embed.FS

// TimeLayout is the on-disk timestamp format. Values are always written in
// UTC with a fixed width, so string order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultTimeout bounds every store call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

const retryDelay = 50 * time.Millisecond

// DB wraps a SQLite connection.
type DB struct {
	conn    *sql.DB
	timeout time.Duration

	// Now stamps created_at / updated_at. Tests may replace it.
	Now func() time.Time
}

// New opens the SQLite database at path, enables WAL mode, and runs the
// embedded migrations. In-memory databases are pinned to one connection so
// every query sees the same schema.
func New(path string, timeout time.Duration) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if isMemory(path) {
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return Wrap(conn, timeout), nil
}

// Wrap returns a DB around an already-open connection without migrating it.
func Wrap(conn *sql.DB, timeout time.Duration) *DB {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DB{conn: conn, timeout: timeout, Now: time.Now}
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(1000)"
}

func isMemory(path string) bool {
	return strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.do(ctx, "ping", func(ctx context.Context) error {
		return d.conn.PingContext(ctx)
	})
}

func (d *DB) now() time.Time {
	return d.Now().UTC()
}

// do runs fn under the per-call timeout. A call that hits its own deadline,
// or that fails with SQLITE_BUSY / SQLITE_LOCKED, is retried once. Errors
// come back classified: constraint violations match apperr.ErrConflict and
// everything else is an *apperr.StorageError.
func (d *DB) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var transient bool
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		err := fn(cctx)
		if err == nil {
			transient = false
			return nil
		}
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		transient = timedOut || isBusy(err)
		var partial *partialError
		if transient && !errors.As(err, &partial) {
			return retry.RetryableError(err)
		}
		return err
	})
	return classify(op, err, transient)
}

func classify(op string, err error, transient bool) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrForbidden), errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrConflict):
		return err
	case sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT:
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrConflict, err)
	default:
		return &apperr.StorageError{Op: op, Retryable: transient, Err: err}
	}
}

// sqliteCode returns the primary result code of a driver error, or 0.
func sqliteCode(err error) int {
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return 0
	}
	return coded.Code() & 0xff
}

func isBusy(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(col, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", col, s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(col string, s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(col, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
