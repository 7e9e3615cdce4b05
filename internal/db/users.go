package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/models"
)

const userCols = `id, email, password_hash, full_name, is_active, created_at, updated_at`

func scanUser(s scanner) (*models.User, error) {
	var u models.User
	var createdAt, updatedAt string
	if err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts u and fills in its ID and timestamps. A duplicate email
// returns an error matching apperr.ErrConflict.
func (d *DB) CreateUser(ctx context.Context, u *models.User) error {
	now := d.now()
	err := d.do(ctx, "create user", func(ctx context.Context) error {
		res, err := d.conn.ExecContext(ctx, `
			INSERT INTO users (email, password_hash, full_name, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.Email, u.PasswordHash, u.FullName, u.IsActive, formatTime(now), formatTime(now),
		)
		if err != nil {
			return err
		}
		u.ID, err = res.LastInsertId()
		return err
	})
	if errors.Is(err, apperr.ErrConflict) {
		return apperr.Conflict("email")
	}
	if err != nil {
		return err
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

// UserByEmail returns the user with the given email, or nil if none exists.
func (d *DB) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return d.getUser(ctx, "get user by email", `SELECT `+userCols+` FROM users WHERE email = ?`, email)
}

// UserByID returns the user with the given ID, or nil if none exists.
func (d *DB) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return d.getUser(ctx, "get user", `SELECT `+userCols+` FROM users WHERE id = ?`, id)
}

func (d *DB) getUser(ctx context.Context, op, query string, arg any) (*models.User, error) {
	var u *models.User
	err := d.do(ctx, op, func(ctx context.Context) error {
		var err error
		u, err = scanUser(d.conn.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			u = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CountUsers returns the number of registered users.
func (d *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := d.do(ctx, "count users", func(ctx context.Context) error {
		return d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	})
	return n, err
}
