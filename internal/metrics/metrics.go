// Package metrics exposes prometheus instrumentation for the driver.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s3driver"

// Metrics holds the collectors registered for one process
type Metrics struct {
	registry *prometheus.Registry

	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	uploadAttempts  *prometheus.CounterVec
	uploadAborts    prometheus.Counter
	stagedFiles     prometheus.Gauge
}

// New creates a registry and registers every collector on it
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of object store requests",
		},
		[]string{"operation", "status"},
	)

	m.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Object store request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Metadata and listing cache lookups",
		},
		[]string{"tier", "result"},
	)

	m.uploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Multipart upload attempts",
		},
		[]string{"status"},
	)

	m.uploadAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "aborts_total",
			Help:      "Multipart uploads aborted after exhausting retries",
		},
	)

	m.stagedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "files",
			Help:      "Temporary files currently staged on local disk",
		},
	)

	m.registry.MustRegister(
		m.backendRequests,
		m.backendDuration,
		m.cacheLookups,
		m.uploadAttempts,
		m.uploadAborts,
		m.stagedFiles,
	)
	return m
}

// ObserveBackend records one object store call
func (m *Metrics) ObserveBackend(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.backendRequests.WithLabelValues(operation, status).Inc()
	m.backendDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// CacheLookup records a cache hit or miss for the given tier
func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// UploadAttempt records the outcome of one multipart attempt
func (m *Metrics) UploadAttempt(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.uploadAttempts.WithLabelValues(status).Inc()
}

// UploadAborted counts an aborted multipart session
func (m *Metrics) UploadAborted() {
	if m == nil {
		return
	}
	m.uploadAborts.Inc()
}

// StagedFiles sets the number of tracked temporary files
func (m *Metrics) StagedFiles(n int) {
	if m == nil {
		return
	}
	m.stagedFiles.Set(float64(n))
}

// Registry returns the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
