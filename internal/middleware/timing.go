package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// HeaderProcessTime carries the handling time in seconds.
const HeaderProcessTime = "X-Process-Time"

type timingWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

// stamp sets the header once, before anything reaches the wire.
func (t *timingWriter) stamp() {
	if t.stamped {
		return
	}
	t.stamped = true
	t.Header().Set(HeaderProcessTime, strconv.FormatFloat(time.Since(t.start).Seconds(), 'f', 6, 64))
}

func (t *timingWriter) WriteHeader(code int) {
	t.stamp()
	t.ResponseWriter.WriteHeader(code)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	t.stamp()
	return t.ResponseWriter.Write(b)
}

func (t *timingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// ProcessTime adds the X-Process-Time header to every response.
func ProcessTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timingWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
		tw.stamp()
	})
}
