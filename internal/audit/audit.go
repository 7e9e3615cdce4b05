// Package audit records security-relevant outcomes (logins, ownership
// denials, config and metric writes, admission rejections) as structured log
// events. Emitting never blocks the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphummel/rocks_monitor/internal/metrics"
)

// Event categories.
const (
	CategoryAuth      = "auth"
	CategoryConfig    = "config"
	CategoryMetrics   = "metrics"
	CategoryAdmission = "admission"
)

// Event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is a single audit record. Actor is usually a user ID or client IP,
// Target a MAC address or email.
type Event struct {
	Category string
	Actor    string
	Target   string
	Outcome  string
	Detail   string
	Time     time.Time
}

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// DefaultBuffer is the queue length used when New is given a non-positive size.
const DefaultBuffer = 1024

// Emitter queues events on a buffered channel and writes them from a single
// goroutine. Events arriving while the queue is full are dropped and counted.
type Emitter struct {
	logger  *slog.Logger
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New starts an Emitter writing to logger under the "audit" group.
func New(logger *slog.Logger, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	e := &Emitter{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues ev. It returns immediately; if the queue is full or the
// Emitter is closed the event is dropped.
func (e *Emitter) Emit(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop()
		return
	}
	select {
	case e.events <- ev:
	default:
		e.drop()
	}
}

func (e *Emitter) drop() {
	e.dropped.Add(1)
	metrics.AuditDropped()
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops accepting events, writes everything already queued, and waits
// for the writer goroutine to exit. It is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.events {
		e.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit",
			slog.Group("audit",
				slog.String("category", ev.Category),
				slog.String("actor", ev.Actor),
				slog.String("target", ev.Target),
				slog.String("outcome", ev.Outcome),
				slog.String("detail", ev.Detail),
				slog.Time("time", ev.Time.UTC()),
			),
		)
		metrics.AuditEvent(ev.Category, ev.Outcome)
	}
}
