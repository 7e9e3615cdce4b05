package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/models"
)

const machineCols = `id, mac_address, name, type, owner_id, last_seen_at, created_at, updated_at`

func scanMachine(s scanner) (*models.Machine, error) {
	var m models.Machine
	var ownerID sql.NullInt64
	var lastSeen sql.NullString
	var createdAt, updatedAt string
	if err := s.Scan(&m.ID, &m.MACAddress, &m.Name, &m.Type, &ownerID, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if ownerID.Valid {
		id := ownerID.Int64
		m.OwnerID = &id
	}
	var err error
	if m.LastSeenAt, err = parseNullTime("last_seen_at", lastSeen); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// BindMachine creates the machine for mac owned by owner, or claims and
// updates the existing one. It runs in a single transaction. A machine owned
// by a different user is left untouched and apperr.ErrForbidden is returned.
// An empty name keeps the stored one, or defaults to the MAC on insert.
// created reports whether a row was inserted.
func (d *DB) BindMachine(ctx context.Context, owner int64, mac, name, typ string) (m *models.Machine, created bool, err error) {
	now := d.now()
	insertName := name
	if insertName == "" {
		insertName = mac
	}
	err = d.do(ctx, "bind machine", func(ctx context.Context) error {
		tx, err := d.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, `
			INSERT INTO machines (mac_address, name, type, owner_id, last_seen_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(mac_address) DO NOTHING`,
			mac, insertName, typ, owner, formatTime(now), formatTime(now), formatTime(now),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		m, err = scanMachine(tx.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE mac_address = ?`, mac))
		if err != nil {
			return err
		}
		if !created {
			if m.OwnerID != nil && *m.OwnerID != owner {
				return apperr.ErrForbidden
			}
			if name == "" {
				name = m.Name
			}
			if m.OwnerID == nil || name != m.Name || typ != m.Type {
				m.UpdatedAt = now
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE machines SET owner_id = ?, name = ?, type = ?, last_seen_at = ?, updated_at = ?
				WHERE id = ?`,
				owner, name, typ, formatTime(now), formatTime(m.UpdatedAt), m.ID,
			); err != nil {
				return err
			}
			m.OwnerID, m.Name, m.Type = &owner, name, typ
			m.LastSeenAt = &now
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return m, created, nil
}

// MachineByMAC returns the machine with the given canonical MAC, or nil if
// none exists.
func (d *DB) MachineByMAC(ctx context.Context, mac string) (*models.Machine, error) {
	var m *models.Machine
	err := d.do(ctx, "get machine", func(ctx context.Context) error {
		var err error
		m, err = scanMachine(d.conn.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE mac_address = ?`, mac))
		if errors.Is(err, sql.ErrNoRows) {
			m = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MachinesByOwner returns the machines owned by owner in creation order.
func (d *DB) MachinesByOwner(ctx context.Context, owner int64) ([]*models.Machine, error) {
	var machines []*models.Machine
	err := d.do(ctx, "list machines", func(ctx context.Context) error {
		machines = machines[:0]
		rows, err := d.conn.QueryContext(ctx, `
			SELECT `+machineCols+` FROM machines
			WHERE owner_id = ?
			ORDER BY created_at, id`, owner)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMachine(rows)
			if err != nil {
				return err
			}
			machines = append(machines, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return machines, nil
}

// TouchMachine records that the machine reported at t.
func (d *DB) TouchMachine(ctx context.Context, id int64, t time.Time) error {
	return d.do(ctx, "touch machine", func(ctx context.Context) error {
		res, err := d.conn.ExecContext(ctx, `UPDATE machines SET last_seen_at = ? WHERE id = ?`, formatTime(t), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("touch machine %d: %w", id, apperr.NotFound("machine"))
		}
		return nil
	})
}

// CountMachinesByType returns the number of machines for each type.
func (d *DB) CountMachinesByType(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := d.do(ctx, "count machines", func(ctx context.Context) error {
		clear(counts)
		rows, err := d.conn.QueryContext(ctx, `SELECT type, COUNT(*) FROM machines GROUP BY type`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var typ string
			var n int
			if err := rows.Scan(&typ, &n); err != nil {
				return err
			}
			counts[typ] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
