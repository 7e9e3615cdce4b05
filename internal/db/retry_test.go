package db_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/models"
)

// codedErr mimics a driver error carrying a SQLite result code.
type codedErr int

func (e codedErr) Error() string { return "sqlite error" }
func (e codedErr) Code() int     { return int(e) }

const (
	sqliteBusy             codedErr = 5
	sqliteConstraintUnique codedErr = 2067
)

func newMockDB(t *testing.T, timeout time.Duration) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return db.Wrap(conn, timeout), mock
}

const countUsers = `(?s)^SELECT\s+COUNT\(\*\)\s+FROM\s+users$`

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("sqlmock: %v", err)
	}
}

// storageError asserts err wraps an *apperr.StorageError and returns it.
func storageError(t *testing.T, err error) *apperr.StorageError {
	t.Helper()
	var serr *apperr.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *apperr.StorageError, got %T: %v", err, err)
	}
	return serr
}

func TestDo_RetriesTimeoutOnce(t *testing.T) {
	d, mock := newMockDB(t, 20*time.Millisecond)

	mock.ExpectQuery(countUsers).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery(countUsers).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	n, err := d.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 3 {
		t.Errorf("count: got %d, want 3 from the retried query", n)
	}
	expectationsMet(t, mock)
}

func TestDo_RepeatedTimeoutIsRetryableStorageError(t *testing.T) {
	d, mock := newMockDB(t, 20*time.Millisecond)

	for range 2 {
		mock.ExpectQuery(countUsers).
			WillDelayFor(time.Second).
			WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	}

	_, err := d.CountUsers(ctx)
	if serr := storageError(t, err); !serr.Retryable {
		t.Error("Retryable: got false, want true")
	}
	if got := apperr.HTTPStatus(err); got != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", got)
	}
	expectationsMet(t, mock)
}

func TestDo_RetriesBusy(t *testing.T) {
	d, mock := newMockDB(t, time.Second)

	mock.ExpectQuery(countUsers).WillReturnError(sqliteBusy)
	mock.ExpectQuery(countUsers).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	n, err := d.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 2 {
		t.Errorf("count: got %d, want 2", n)
	}
	expectationsMet(t, mock)
}

func TestDo_DoesNotRetryPermanentError(t *testing.T) {
	d, mock := newMockDB(t, time.Second)

	mock.ExpectQuery(countUsers).WillReturnError(errors.New("disk I/O error"))

	_, err := d.CountUsers(ctx)
	serr := storageError(t, err)
	if serr.Retryable {
		t.Error("Retryable: got true, want false")
	}
	if serr.Op != "count users" {
		t.Errorf("Op: got %q, want count users", serr.Op)
	}
	if got := apperr.HTTPStatus(err); got != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", got)
	}
	expectationsMet(t, mock)
}

func TestCreateUser_ConstraintIsConflict(t *testing.T) {
	d, mock := newMockDB(t, time.Second)

	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+users\b`).
		WithArgs("ops@example.com", "hash", "", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sqliteConstraintUnique)

	err := d.CreateUser(ctx, &models.User{Email: "ops@example.com", PasswordHash: "hash", IsActive: true})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := apperr.HTTPStatus(err); got != http.StatusConflict {
		t.Errorf("status: got %d, want 409", got)
	}
	expectationsMet(t, mock)
}

func TestScanSamples_NoRetryAfterDelivery(t *testing.T) {
	d, mock := newMockDB(t, time.Second)

	rows := sqlmock.NewRows([]string{"id", "reference_id", "machine_id", "ts", "payload", "created_at"}).
		AddRow(1, "a", 7, "2024-05-20T10:00:00.000000000Z", `{"cpu":1}`, "2024-05-20T10:00:00.000000000Z").
		AddRow(2, "b", 7, "2024-05-20T10:01:00.000000000Z", `{"cpu":2}`, "2024-05-20T10:01:00.000000000Z").
		RowError(1, sqliteBusy)
	mock.ExpectQuery(`(?s)^SELECT\s+.+\s+FROM\s+samples\s+WHERE\s+machine_id\s*=\s*\?\s+ORDER\s+BY\s+ts,\s*id$`).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	calls := 0
	err := d.ScanSamples(ctx, db.SampleFilter{MachineID: 7}, func(*models.Sample) error {
		calls++
		return nil
	})
	if serr := storageError(t, err); !serr.Retryable {
		t.Error("Retryable: got false, want true")
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (no replay after a row was delivered)", calls)
	}
	expectationsMet(t, mock)
}
