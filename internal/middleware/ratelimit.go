package middleware

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/metrics"
)

// RealIP extracts the client's address as reported by the request,
// preferring Cloudflare's CF-Connecting-IP header, then the first
// X-Forwarded-For hop, and falling back to the RemoteAddr host. The headers
// are client-supplied, so RealIP is for logs only; admission keys come from
// ClientIP.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return PeerIP(r)
}

// PeerIP returns the host of r.RemoteAddr, the address of the connection's
// other end.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP returns a key function that resolves the client address.
// Forwarding headers are honoured only when the peer is inside one of the
// trusted proxy prefixes. X-Forwarded-For is walked from the right and the
// first hop outside the trusted set wins.
func ClientIP(trusted []netip.Prefix) func(*http.Request) string {
	isTrusted := func(a netip.Addr) bool {
		for _, p := range trusted {
			if p.Contains(a.Unmap()) {
				return true
			}
		}
		return false
	}
	return func(r *http.Request) string {
		peer := PeerIP(r)
		addr, err := netip.ParseAddr(peer)
		if err != nil || !isTrusted(addr) {
			return peer
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); err == nil {
			return ip.Unmap().String()
		}
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !isTrusted(ip) {
				return ip.Unmap().String()
			}
		}
		return peer
	}
}

// Decision is the outcome of an admission check. RetryAfter is set only
// when the request is rejected.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether a request keyed by key may proceed.
type Limiter interface {
	Allow(key string) Decision
}

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter per key. Each key is updated
// atomically on its own; unrelated keys never contend on a global lock.
// Expired windows are swept lazily, at most once per window length.
type RateLimiter struct {
	max     int
	window  time.Duration
	windows *xsync.MapOf[string, rateWindow]

	lastSweep atomic.Int64

	// Now is the limiter clock.
	Now func() time.Time
}

// NewRateLimiter returns a limiter admitting max requests per key in each
// window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		windows: xsync.NewMapOf[string, rateWindow](),
		Now:     time.Now,
	}
}

// Allow counts a request for key. A window starts with the first request
// and is not extended by rejected ones.
func (rl *RateLimiter) Allow(key string) Decision {
	now := rl.Now()
	rl.sweep(now)

	var d Decision
	rl.windows.Compute(key, func(w rateWindow, loaded bool) (rateWindow, bool) {
		if !loaded || now.Sub(w.start) >= rl.window {
			w = rateWindow{start: now}
		}
		w.count++
		if w.count <= rl.max {
			d.Allowed = true
		} else {
			d.RetryAfter = w.start.Add(rl.window).Sub(now)
		}
		return w, false
	})
	return d
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	return rl.windows.Size()
}

func (rl *RateLimiter) sweep(now time.Time) {
	last := rl.lastSweep.Load()
	if now.UnixNano()-last < int64(rl.window) {
		return
	}
	if !rl.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	rl.windows.Range(func(key string, _ rateWindow) bool {
		rl.windows.Compute(key, func(w rateWindow, loaded bool) (rateWindow, bool) {
			return w, !loaded || now.Sub(w.start) >= rl.window
		})
		return true
	})
}

// RateLimit returns middleware that rejects requests the limiter refuses
// with 429 and a Retry-After header. Requests for which exempt
// returns true skip the check.
func RateLimit(limiter Limiter, keyFunc func(*http.Request) string, exempt func(*http.Request) bool, sink audit.Sink) func(http.Handler) http.Handler {
	if sink == nil {
		sink = audit.Discard
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			d := limiter.Allow(key)
			if !d.Allowed {
				metrics.RateLimited()
				sink.Emit(r.Context(), audit.Event{
					Category: audit.CategoryAdmission,
					Actor:    key,
					Target:   r.Method + " " + r.URL.Path,
					Outcome:  audit.OutcomeDenied,
				})
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				writeError(w, http.StatusTooManyRequests, apperr.PublicMessage(apperr.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
