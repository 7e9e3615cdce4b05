package db

import (
	"context"
	"strings"
	"time"

	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/payload"
)

// SampleFilter selects samples of one machine. Start and End are inclusive
// and optional. Limit applies to ListSamples only; zero means no limit.
type SampleFilter struct {
	MachineID int64
	Start     *time.Time
	End       *time.Time
	Limit     int
}

func (f SampleFilter) where() (string, []any) {
	var b strings.Builder
	args := []any{f.MachineID}
	b.WriteString(` WHERE machine_id = ?`)
	if f.Start != nil {
		b.WriteString(` AND ts >= ?`)
		args = append(args, formatTime(*f.Start))
	}
	if f.End != nil {
		b.WriteString(` AND ts <= ?`)
		args = append(args, formatTime(*f.End))
	}
	return b.String(), args
}

const sampleCols = `id, reference_id, machine_id, ts, payload, created_at`

func scanSample(s scanner) (*models.Sample, error) {
	var sm models.Sample
	var ts, raw, createdAt string
	if err := s.Scan(&sm.ID, &sm.ReferenceID, &sm.MachineID, &ts, &raw, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if sm.Timestamp, err = parseTime("ts", ts); err != nil {
		return nil, err
	}
	if sm.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if sm.Payload, err = payload.Parse([]byte(raw)); err != nil {
		return nil, err
	}
	return &sm, nil
}

// InsertSample appends s and fills in its ID and CreatedAt.
func (d *DB) InsertSample(ctx context.Context, s *models.Sample) error {
	raw, err := s.Payload.MarshalJSON()
	if err != nil {
		return err
	}
	now := d.now()
	err = d.do(ctx, "insert sample", func(ctx context.Context) error {
		res, err := d.conn.ExecContext(ctx, `
			INSERT INTO samples (reference_id, machine_id, ts, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			s.ReferenceID, s.MachineID, formatTime(s.Timestamp), string(raw), formatTime(now),
		)
		if err != nil {
			return err
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	s.CreatedAt = now
	return nil
}

// ListSamples returns matching samples newest first, ties broken by
// insertion order (latest first).
func (d *DB) ListSamples(ctx context.Context, f SampleFilter) ([]*models.Sample, error) {
	where, args := f.where()
	query := `SELECT ` + sampleCols + ` FROM samples` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var samples []*models.Sample
	err := d.do(ctx, "list samples", func(ctx context.Context) error {
		samples = samples[:0]
		rows, err := d.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSample(rows)
			if err != nil {
				return err
			}
			samples = append(samples, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// ScanSamples streams matching samples in time order to fn without
// buffering them. fn must not call back into the DB. A failure after the
// first row has been delivered is not retried.
func (d *DB) ScanSamples(ctx context.Context, f SampleFilter, fn func(*models.Sample) error) error {
	where, args := f.where()
	query := `SELECT ` + sampleCols + ` FROM samples` + where + ` ORDER BY ts, id`

	return d.do(ctx, "scan samples", func(ctx context.Context) error {
		rows, err := d.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		delivered := false
		for rows.Next() {
			s, err := scanSample(rows)
			if err == nil {
				err = fn(s)
			}
			if err != nil {
				return &partialError{err: err}
			}
			delivered = true
		}
		if err := rows.Err(); err != nil {
			if delivered {
				return &partialError{err: err}
			}
			return err
		}
		return nil
	})
}

// CountSamples returns the total number of stored samples.
func (d *DB) CountSamples(ctx context.Context) (int, error) {
	var n int
	err := d.do(ctx, "count samples", func(ctx context.Context) error {
		return d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n)
	})
	return n, err
}

// partialError marks a failure after rows were handed to the caller.
type partialError struct{ err error }

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }
