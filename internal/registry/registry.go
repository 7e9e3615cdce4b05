// Package registry owns machines: binding them to users, storing their
// configuration documents, and answering the per-request ownership check.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/payload"
)

// Store is the persistence the registry needs; *db.DB satisfies it.
type Store interface {
	BindMachine(ctx context.Context, owner int64, mac, name, typ string) (*models.Machine, bool, error)
	MachineByMAC(ctx context.Context, mac string) (*models.Machine, error)
	MachinesByOwner(ctx context.Context, owner int64) ([]*models.Machine, error)
	TouchMachine(ctx context.Context, id int64, t time.Time) error
	UpsertConfig(ctx context.Context, machineID int64, doc payload.Value) (*models.MachineConfig, error)
	ConfigByMachine(ctx context.Context, machineID int64) (*models.MachineConfig, error)
}

// Config document keys that are required and validated.
const (
	ConfigKeyMAC  = "MAC"
	ConfigKeyType = "type"
)

// Registry implements the machine operations.
type Registry struct {
	store  Store
	audit  audit.Sink
	logger *slog.Logger
}

// New returns a Registry. A nil sink discards audit events.
func New(store Store, sink audit.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, audit: sink, logger: logger.With("component", "registry")}
}

// Bind creates or claims the machine mac for owner and updates its name and
// type. An empty type means "pc". A machine owned by another user is never
// transferred: Bind returns apperr.ErrForbidden.
func (r *Registry) Bind(ctx context.Context, owner int64, mac, name, typ string) (*models.Machine, bool, error) {
	canon, err := CanonicalMAC(mac)
	if err != nil {
		return nil, false, err
	}
	if typ == "" {
		typ = models.MachineTypePC
	}
	if !models.ValidMachineTypes[typ] {
		return nil, false, apperr.Invalid("type", "must be pc or server")
	}

	m, created, err := r.store.BindMachine(ctx, owner, canon, name, typ)
	if errors.Is(err, apperr.ErrForbidden) {
		r.logger.WarnContext(ctx, "machine bind denied", "mac", canon, "user_id", owner)
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.InfoContext(ctx, "machine registered", "mac", canon, "type", typ, "user_id", owner)
	}
	return m, created, nil
}

// Authorize returns the machine for mac if userID owns it. An unknown MAC is
// apperr.ErrNotFound, another user's machine apperr.ErrForbidden. Ownership
// is read from the store on every call.
func (r *Registry) Authorize(ctx context.Context, userID int64, mac string) (*models.Machine, error) {
	canon, err := CanonicalMAC(mac)
	if err != nil {
		return nil, err
	}
	m, err := r.store.MachineByMAC(ctx, canon)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound("machine")
	}
	if !m.OwnedBy(userID) {
		return nil, apperr.ErrForbidden
	}
	return m, nil
}

// Touch records that the machine reported at t.
func (r *Registry) Touch(ctx context.Context, m *models.Machine, t time.Time) error {
	return r.store.TouchMachine(ctx, m.ID, t)
}

// List returns the machines owned by userID in creation order. The result is
// never nil.
func (r *Registry) List(ctx context.Context, userID int64) ([]*models.Machine, error) {
	machines, err := r.store.MachinesByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if machines == nil {
		machines = []*models.Machine{}
	}
	return machines, nil
}

// UpsertConfig stores doc as the configuration of the machine named by its
// MAC key. The document is kept verbatim except that MAC is rewritten to
// canonical form. The machine must already exist and belong to userID.
func (r *Registry) UpsertConfig(ctx context.Context, userID int64, doc payload.Value) (*models.MachineConfig, error) {
	mac, err := validateConfig(doc)
	if err != nil {
		return nil, err
	}

	m, err := r.Authorize(ctx, userID, mac)
	if err != nil {
		r.emit(ctx, userID, mac, outcomeFor(err), err.Error())
		return nil, err
	}

	doc.Set(ConfigKeyMAC, payload.StringValue(m.MACAddress))
	cfg, err := r.store.UpsertConfig(ctx, m.ID, doc)
	if err != nil {
		r.emit(ctx, userID, m.MACAddress, audit.OutcomeFailure, err.Error())
		return nil, err
	}
	r.logger.InfoContext(ctx, "machine configuration updated", "mac", m.MACAddress)
	r.emit(ctx, userID, m.MACAddress, audit.OutcomeSuccess, "")
	return cfg, nil
}

// GetConfig returns the configuration of the machine mac owned by userID.
func (r *Registry) GetConfig(ctx context.Context, userID int64, mac string) (*models.MachineConfig, error) {
	m, err := r.Authorize(ctx, userID, mac)
	if err != nil {
		return nil, err
	}
	cfg, err := r.store.ConfigByMachine(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, apperr.NotFound("configuration")
	}
	return cfg, nil
}

func validateConfig(doc payload.Value) (string, error) {
	if !doc.IsObject() {
		return "", apperr.Invalid("data", "must be an object")
	}
	verr := &apperr.ValidationError{}

	var mac string
	if v, ok := doc.Get(ConfigKeyMAC); !ok {
		verr.Add(ConfigKeyMAC, "required")
	} else if s, ok := v.AsString(); !ok {
		verr.Add(ConfigKeyMAC, "must be a string")
	} else if canon, err := CanonicalMAC(s); err != nil {
		verr.Add(ConfigKeyMAC, "must be a MAC address like AA:BB:CC:DD:EE:FF")
	} else {
		mac = canon
	}

	if v, ok := doc.Get(ConfigKeyType); !ok {
		verr.Add(ConfigKeyType, "required")
	} else if _, ok := v.AsString(); !ok {
		verr.Add(ConfigKeyType, "must be a string")
	}

	if err := verr.OrNil(); err != nil {
		return "", err
	}
	return mac, nil
}

func (r *Registry) emit(ctx context.Context, userID int64, mac, outcome, detail string) {
	r.audit.Emit(ctx, audit.Event{
		Category: audit.CategoryConfig,
		Actor:    strconv.FormatInt(userID, 10),
		Target:   mac,
		Outcome:  outcome,
		Detail:   detail,
	})
}

func outcomeFor(err error) string {
	if errors.Is(err, apperr.ErrForbidden) {
		return audit.OutcomeDenied
	}
	return audit.OutcomeFailure
}
