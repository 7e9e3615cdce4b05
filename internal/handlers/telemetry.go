package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/telemetry"
)

// PushStatus handles PUT /api/maquina/status.
func (h *Handler) PushStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if !h.decode(w, r, maxDocumentBytes, &req) {
		return
	}
	doc, err := req.document()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	receipt, err := h.Telemetry.Ingest(r.Context(), p, doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status      string    `json:"status"`
		ReferenceID string    `json:"reference_id"`
		Timestamp   time.Time `json:"timestamp"`
	}{"success", receipt.ReferenceID, receipt.Timestamp})
}

// ListMetrics handles GET /api/metrics/{mac} with optional start, end and
// limit query parameters.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rng, err := parseRange(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			h.fail(w, r, apperr.Invalid("limit", "must be an integer"))
			return
		}
		if limit == 0 {
			h.fail(w, r, apperr.Invalid("limit", "must be between 1 and "+strconv.Itoa(telemetry.MaxLimit)))
			return
		}
	}

	samples, err := h.Telemetry.List(r.Context(), p.Subject(), r.PathValue("mac"), rng, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// AggregateMetrics handles GET /api/metrics/{mac}/aggregate. metric_keys may
// be repeated or comma separated.
func (h *Handler) AggregateMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rng, err := parseRange(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var keys []string
	for _, v := range q["metric_keys"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}

	summary, err := h.Telemetry.Aggregate(r.Context(), p.Subject(), r.PathValue("mac"), rng, keys)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseRange(q url.Values) (telemetry.Range, error) {
	var rng telemetry.Range
	verr := &apperr.ValidationError{}
	for _, b := range []struct {
		name string
		dst  **time.Time
	}{{"start", &rng.Start}, {"end", &rng.End}} {
		s := q.Get(b.name)
		if s == "" {
			continue
		}
		t, err := telemetry.ParseTime(s)
		if err != nil {
			verr.Add(b.name, "must be an RFC 3339 timestamp")
			continue
		}
		*b.dst = &t
	}
	return rng, verr.OrNil()
}
