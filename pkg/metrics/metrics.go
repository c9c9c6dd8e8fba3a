// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and the search API, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamRetriesTotal  prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec

	MoviesDiscoveredTotal prometheus.Counter
	TasksEnqueuedTotal    prometheus.Counter
	TasksProcessedTotal   *prometheus.CounterVec
	TaskDuration          prometheus.Histogram
	QueuePaused           prometheus.Gauge
	PartialEnrichments    prometheus.Counter
	StoreWritesTotal      *prometheus.CounterVec

	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheInvalidations   prometheus.Counter
	EventsPublishedTotal *prometheus.CounterVec
}

// New creates all collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry keeps tests from colliding on the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
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
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Catalog API requests by outcome (ok, transport_error, protocol_error, circuit_open).",
			},
			[]string{"outcome"},
		),
		UpstreamRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "upstream_retries_total",
				Help: "Catalog API requests re-issued after a transport failure.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		MoviesDiscoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "movies_discovered_total",
				Help: "Movies returned by discovery listings.",
			},
		),
		TasksEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tasks_enqueued_total",
				Help: "Indexing tasks pushed onto the queue.",
			},
		),
		TasksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_processed_total",
				Help: "Indexing tasks by outcome (indexed, found, skipped, failed).",
			},
			[]string{"outcome"},
		),
		TaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Time spent processing one indexing task.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		QueuePaused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_paused",
				Help: "1 while the worker has paused the queue for backpressure.",
			},
		),
		PartialEnrichments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichment_partial_total",
				Help: "Movies persisted with at least one sub-collection drain failing.",
			},
		),
		StoreWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_writes_total",
				Help: "Document writes by collection and result (created, updated).",
			},
			[]string{"collection", "result"},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Search queries by cache status (hit, miss, error).",
			},
			[]string{"cache_status"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_invalidations_total",
				Help: "Search cache flushes triggered by movie.indexed events.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "movie.indexed events by result (ok, error).",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.UpstreamRequestsTotal,
		m.UpstreamRetriesTotal,
		m.CircuitBreakerState,
		m.MoviesDiscoveredTotal,
		m.TasksEnqueuedTotal,
		m.TasksProcessedTotal,
		m.TaskDuration,
		m.QueuePaused,
		m.PartialEnrichments,
		m.StoreWritesTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheInvalidations,
		m.EventsPublishedTotal,
	)

	return m
}

// NewNop returns collectors registered on a private registry. Components use
// it when no Metrics is configured.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
