// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	ChunksProcessedTotal *prometheus.CounterVec
	AggregatesCreated    prometheus.Counter
	RowsSkippedTotal     *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	LinesProcessedTotal  *prometheus.CounterVec
	RollbackDeletesTotal prometheus.Counter

	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheFallOpen    prometheus.Counter

	PushConnections     prometheus.Gauge
	PushBroadcastsTotal *prometheus.CounterVec
	PushCoalescedTotal  prometheus.Counter
	PushRejectedTotal   *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ChunksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregation_chunks_total",
				Help: "Total aggregation chunks by status (ok, error, timeout).",
			},
			[]string{"status"},
		),
		AggregatesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregation_rows_created_total",
				Help: "Total aggregate rows created by the engine.",
			},
		),
		RowsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rows_skipped_total",
				Help: "Ledger rows skipped during scans by reason (schema_mismatch, unknown_judgment).",
			},
			[]string{"reason"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregation_job_duration_seconds",
				Help:    "Duration of aggregation job invocations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),
		LinesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregation_lines_total",
				Help: "Total lines processed per job by status (ok, failed).",
			},
			[]string{"status"},
		),
		RollbackDeletesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregation_rollback_deletes_total",
				Help: "Total aggregate rows deleted by rollback batches.",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total cache hits by tier.",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total cache misses by tier.",
			},
			[]string{"tier"},
		),
		CacheFallOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_fall_open_total",
				Help: "Total computations served directly because the cache backend was unavailable.",
			},
		),
		PushConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_connections",
				Help: "Number of subscribed websocket clients.",
			},
		),
		PushBroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_broadcasts_total",
				Help: "Total room broadcasts by message type.",
			},
			[]string{"type"},
		),
		PushCoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_coalesced_updates_total",
				Help: "Updates dropped in favour of a newer state for slow clients.",
			},
		),
		PushRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_connections_rejected_total",
				Help: "Rejected websocket connections by reason (anonymous, denied).",
			},
			[]string{"reason"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ChunksProcessedTotal,
		m.AggregatesCreated,
		m.RowsSkippedTotal,
		m.JobDuration,
		m.LinesProcessedTotal,
		m.RollbackDeletesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheFallOpen,
		m.PushConnections,
		m.PushBroadcastsTotal,
		m.PushCoalescedTotal,
		m.PushRejectedTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
