package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/prometheus/client_golang/prometheus"
)

func loggingMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" || strings.HasPrefix(r.URL.Path, "/debug") {
			h.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		rw := newResponseWriter(w)

		h.ServeHTTP(rw, r)

		dur := time.Since(now)

		// Use the matched pattern to not create a new label for every session.
		path := r.Pattern
		if path == "" {
			path = "unknown"
		}

		if rw.statusCode >= http.StatusInternalServerError {
			rlog.Warnf("%s %s: got status %d in %s", r.Method, r.URL.Path, rw.statusCode, dur)
		} else {
			rlog.Debugf("%s %s: got status %d in %s", r.Method, r.URL.Path, rw.statusCode, dur)
		}

		metrics.HTTPResponseStatuses.
			With(prometheus.Labels{
				"status": strconv.Itoa(rw.statusCode),
			}).
			Inc()

		metrics.HTTPResponseTime.
			With(prometheus.Labels{
				"path": path,
			},
			).Observe(dur.Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap is used by [http.ResponseController], for example, to flush event streams.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// noCacheMiddleware disables caching of API responses.
func noCacheMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		h.ServeHTTP(w, r)
	})
}
