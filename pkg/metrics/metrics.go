// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "a7comix"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"path"},
	)
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "open_sessions",
		},
	)
)

// Render
var (
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Buckets:   []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"priority"},
	)
	RenderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "errors_total",
		},
		[]string{"kind"},
	)
	RenderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "retries_total",
		},
	)
	RenderQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "queue_length",
		},
		[]string{"priority"},
	)
	RenderPageSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "page_size_bytes",
			Buckets: []float64{
				1 << 20,   // 1 Mib
				2 << 20,   // 2 Mib
				5 << 20,   // 5 Mib
				10 << 20,  // 10 Mib
				20 << 20,  // 20 Mib
				50 << 20,  // 50 Mib
				100 << 20, // 100 Mib
			},
		},
	)
)

// Prefetch
var (
	PrefetchRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "requests_total",
		},
	)
	PrefetchCanceled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "canceled_total",
		},
	)
)

// Pager
var (
	Navigations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pager",
			Name:      "navigations_total",
		},
		[]string{"result"},
	)
	DocumentLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pager",
			Name:      "document_load_errors_total",
		},
	)
)

// Memory cache
var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
		},
	)
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
		},
	)
	CacheOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "overflows_total",
		},
	)
)

// Disk cache
var (
	DiskCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "hits_total",
		},
	)
	DiskCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "misses_total",
		},
	)
	DiskCacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk_cache",
			Name:      "errors_total",
		},
	)
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "201", "202", "204", "400", "404", "422", "429", "500"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, priority := range []string{"foreground", "background"} {
		RenderQueueLength.With(prometheus.Labels{"priority": priority}).Set(0)
	}
}
