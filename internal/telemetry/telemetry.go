// Package telemetry stores the status documents agents push and answers
// range listings and numeric aggregates over them.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/metrics"
	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/payload"
)

// Listing limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store is the sample persistence the engine needs; *db.DB satisfies it.
type Store interface {
	InsertSample(ctx context.Context, s *models.Sample) error
	ListSamples(ctx context.Context, f db.SampleFilter) ([]*models.Sample, error)
	ScanSamples(ctx context.Context, f db.SampleFilter, fn func(*models.Sample) error) error
}

// Machines resolves and touches machines; *registry.Registry satisfies it.
type Machines interface {
	Authorize(ctx context.Context, userID int64, mac string) (*models.Machine, error)
	Touch(ctx context.Context, m *models.Machine, t time.Time) error
}

// Range bounds a query. Both ends are inclusive and optional.
type Range struct {
	Start *time.Time
	End   *time.Time
}

func (r Range) validate() error {
	if r.Start != nil && r.End != nil && r.Start.After(*r.End) {
		return apperr.Invalid("start", "must not be after end")
	}
	return nil
}

// Receipt acknowledges a stored sample.
type Receipt struct {
	ReferenceID string    `json:"reference_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary is the aggregate of one numeric leaf.
type Summary struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Engine implements ingest, list and aggregate.
type Engine struct {
	store    Store
	machines Machines
	audit    audit.Sink
	logger   *slog.Logger

	Now func() time.Time
}

// New returns an Engine. A nil sink discards audit events.
func New(store Store, machines Machines, sink audit.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		machines: machines,
		audit:    sink,
		logger:   logger.With("component", "telemetry"),
		Now:      time.Now,
	}
}

// Ingest stores doc as a sample of the machine it names. The MAC is read
// from machine_info.mac, then mac_address, then the caller's bound machine.
// An agent session may only report for its own machine.
func (e *Engine) Ingest(ctx context.Context, p auth.Principal, doc payload.Value) (*Receipt, error) {
	if !doc.IsObject() {
		return nil, apperr.Invalid("data", "must be an object")
	}
	mac, err := macOf(doc, p)
	if err != nil {
		return nil, err
	}
	ts, err := timestampOf(doc, e.Now)
	if err != nil {
		return nil, err
	}

	actor := strconv.FormatInt(p.Subject(), 10)
	m, err := e.machines.Authorize(ctx, p.Subject(), mac)
	if err == nil {
		if a, ok := p.(auth.AgentSession); ok && a.MAC != m.MACAddress {
			err = apperr.ErrForbidden
		}
	}
	if err != nil {
		e.emit(ctx, actor, mac, outcomeFor(err), err.Error())
		return nil, err
	}

	s := &models.Sample{
		ReferenceID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		MachineID:   m.ID,
		Timestamp:   ts,
		Payload:     doc,
	}
	if err := e.store.InsertSample(ctx, s); err != nil {
		e.emit(ctx, actor, m.MACAddress, audit.OutcomeFailure, err.Error())
		return nil, err
	}
	if err := e.machines.Touch(ctx, m, e.Now()); err != nil {
		e.logger.WarnContext(ctx, "touch machine", "mac", m.MACAddress, "error", err)
	}

	metrics.SampleIngested(m.Type)
	e.logger.DebugContext(ctx, "sample stored", "mac", m.MACAddress, "reference_id", s.ReferenceID, "ts", s.Timestamp)
	e.emit(ctx, actor, m.MACAddress, audit.OutcomeSuccess, s.ReferenceID)
	return &Receipt{ReferenceID: s.ReferenceID, Timestamp: s.Timestamp}, nil
}

// List returns the samples of mac in r, newest first. A zero limit means
// DefaultLimit.
func (e *Engine) List(ctx context.Context, userID int64, mac string, r Range, limit int) ([]*models.Sample, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, apperr.Invalid("limit", "must be between 1 and "+strconv.Itoa(MaxLimit))
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	m, err := e.machines.Authorize(ctx, userID, mac)
	if err != nil {
		return nil, err
	}
	samples, err := e.store.ListSamples(ctx, db.SampleFilter{MachineID: m.ID, Start: r.Start, End: r.End, Limit: limit})
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []*models.Sample{}
	}
	return samples, nil
}

// Aggregate summarises every numeric leaf of the samples of mac in r,
// keyed by dotted path. With keys, only leaves equal to or beneath one of
// them are counted.
func (e *Engine) Aggregate(ctx context.Context, userID int64, mac string, r Range, keys []string) (map[string]Summary, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	m, err := e.machines.Authorize(ctx, userID, mac)
	if err != nil {
		return nil, err
	}

	acc := map[string]*accumulator{}
	err = e.store.ScanSamples(ctx, db.SampleFilter{MachineID: m.ID, Start: r.Start, End: r.End}, func(s *models.Sample) error {
		s.Payload.Leaves(func(path string, x float64) {
			if !selected(path, keys) {
				return
			}
			a, ok := acc[path]
			if !ok {
				a = &accumulator{min: x, max: x}
				acc[path] = a
			}
			a.add(x)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]Summary, len(acc))
	for k, a := range acc {
		out[k] = a.summary()
	}
	return out, nil
}

type accumulator struct {
	count    int
	sum      float64
	min, max float64
}

func (a *accumulator) add(x float64) {
	a.count++
	a.sum += x
	a.min = min(a.min, x)
	a.max = max(a.max, x)
}

func (a *accumulator) summary() Summary {
	return Summary{Avg: a.sum / float64(a.count), Min: a.min, Max: a.max, Count: a.count}
}

func selected(path string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, k := range keys {
		if path == k || strings.HasPrefix(path, k+".") {
			return true
		}
	}
	return false
}

func macOf(doc payload.Value, p auth.Principal) (string, error) {
	for _, path := range [][]string{{"machine_info", "mac"}, {"mac_address"}} {
		v, ok := doc.Lookup(path...)
		if !ok || v.IsNull() {
			continue
		}
		s, ok := v.AsString()
		if !ok {
			return "", apperr.Invalid(strings.Join(path, "."), "must be a string")
		}
		if s != "" {
			return s, nil
		}
	}
	if a, ok := p.(auth.AgentSession); ok {
		return a.MAC, nil
	}
	return "", apperr.Invalid("mac_address", "MAC address missing in payload")
}

func timestampOf(doc payload.Value, now func() time.Time) (time.Time, error) {
	v, ok := doc.Get("timestamp")
	if !ok || v.IsNull() {
		return now().UTC(), nil
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, apperr.Invalid("timestamp", "must be an RFC 3339 string")
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, apperr.Invalid("timestamp", "must be an RFC 3339 string")
	}
	return t, nil
}

// ParseTime parses an RFC 3339 timestamp with optional fractional seconds.
// A timestamp without a zone is taken as UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	if t, err2 := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC); err2 == nil {
		return t, nil
	}
	return time.Time{}, err
}

func (e *Engine) emit(ctx context.Context, actor, mac, outcome, detail string) {
	e.audit.Emit(ctx, audit.Event{
		Category: audit.CategoryMetrics,
		Actor:    actor,
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
