package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rocks_monitor"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds by method and route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Current number of HTTP requests being processed.",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the admission controller.",
	})

	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Metric samples accepted, by machine type.",
		},
		[]string{"type"},
	)

	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events written, by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_dropped_total",
		Help:      "Audit events discarded because the queue was full or closed.",
	})
)

// RateLimited counts a request rejected with 429.
func RateLimited() { rateLimitedTotal.Inc() }

// SampleIngested counts a stored metric sample.
func SampleIngested(machineType string) { samplesIngestedTotal.WithLabelValues(machineType).Inc() }

// AuditEvent counts a written audit event.
func AuditEvent(category, outcome string) { auditEventsTotal.WithLabelValues(category, outcome).Inc() }

// AuditDropped counts a discarded audit event.
func AuditDropped() { auditDroppedTotal.Inc() }

// StatsDB is the subset of db.DB needed to collect inventory metrics.
type StatsDB interface {
	CountMachinesByType(ctx context.Context) (map[string]int, error)
	CountSamples(ctx context.Context) (int, error)
}

// inventoryCollector queries the database on each scrape to report machine
// counts by type and the number of stored samples.
type inventoryCollector struct {
	db           StatsDB
	timeout      time.Duration
	machinesDesc *prometheus.Desc
	samplesDesc  *prometheus.Desc
}

func newInventoryCollector(db StatsDB) *inventoryCollector {
	return &inventoryCollector{
		db:      db,
		timeout: 5 * time.Second,
		machinesDesc: prometheus.NewDesc(
			namespace+"_machines",
			"Number of registered machines, partitioned by type.",
			[]string{"type"},
			nil,
		),
		samplesDesc: prometheus.NewDesc(
			namespace+"_samples_stored",
			"Number of metric samples currently stored.",
			nil,
			nil,
		),
	}
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.machinesDesc
	ch <- c.samplesDesc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.db.CountMachinesByType(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.machinesDesc, err)
	} else {
		for typ, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.machinesDesc, prometheus.GaugeValue, float64(n), typ)
		}
	}

	n, err := c.db.CountSamples(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.samplesDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.samplesDesc, prometheus.GaugeValue, float64(n))
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup after the database is initialised.
func Register(db StatsDB) error {
	return RegisterWith(prometheus.DefaultRegisterer, db)
}

// RegisterWith registers all metrics with reg.
func RegisterWith(reg prometheus.Registerer, db StatsDB) error {
	// The default registry already carries the runtime collectors.
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		var are prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &are) {
			return err
		}
	}

	for _, c := range []prometheus.Collector{
		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		rateLimitedTotal,
		samplesIngestedTotal,
		auditEventsTotal,
		auditDroppedTotal,
		newInventoryCollector(db),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/metrics/{mac}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
