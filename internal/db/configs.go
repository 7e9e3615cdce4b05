package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/payload"
)

// UpsertConfig stores doc as the configuration of the machine, replacing any
// previous document. created_at is kept across replacements.
func (d *DB) UpsertConfig(ctx context.Context, machineID int64, doc payload.Value) (*models.MachineConfig, error) {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	now := formatTime(d.now())

	cfg := &models.MachineConfig{MachineID: machineID, Payload: doc}
	err = d.do(ctx, "upsert config", func(ctx context.Context) error {
		var createdAt, updatedAt string
		err := d.conn.QueryRowContext(ctx, `
			INSERT INTO machine_configurations (machine_id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(machine_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
			RETURNING created_at, updated_at`,
			machineID, string(raw), now, now,
		).Scan(&createdAt, &updatedAt)
		if err != nil {
			return err
		}
		if cfg.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return err
		}
		cfg.UpdatedAt, err = parseTime("updated_at", updatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigByMachine returns the stored configuration, or nil if the machine has
// none.
func (d *DB) ConfigByMachine(ctx context.Context, machineID int64) (*models.MachineConfig, error) {
	var cfg *models.MachineConfig
	err := d.do(ctx, "get config", func(ctx context.Context) error {
		var raw, createdAt, updatedAt string
		err := d.conn.QueryRowContext(ctx, `
			SELECT payload, created_at, updated_at FROM machine_configurations WHERE machine_id = ?`,
			machineID,
		).Scan(&raw, &createdAt, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			cfg = nil
			return nil
		}
		if err != nil {
			return err
		}
		c := &models.MachineConfig{MachineID: machineID}
		if c.Payload, err = payload.Parse([]byte(raw)); err != nil {
			return err
		}
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return err
		}
		if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return err
		}
		cfg = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
