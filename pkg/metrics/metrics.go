// Package metrics defines the Prometheus metric collectors used across the
// index layer and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entityindex"

// Metrics holds all Prometheus collectors for the index layer.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	IndexWritesTotal     *prometheus.CounterVec
	IndexWriteRetries    prometheus.Counter
	UpdateBatchesTotal   *prometheus.CounterVec
	CorruptEntriesTotal  prometheus.Counter
	QueriesTotal         *prometheus.CounterVec
	QueryLatency         *prometheus.HistogramVec
	QueryResultsCount    prometheus.Histogram
	QueryCandidates      prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	GeoIterations        prometheus.Histogram
	GeoCleanupsTotal     prometheus.Counter
	SweepDeletedTotal    prometheus.Counter
	SweepRunsTotal       *prometheus.CounterVec
	MetadataCacheSize    prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry() in
// tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
		IndexWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_writes_total",
				Help:      "Index entry writes by operation (put, stale, delete) and status.",
			},
			[]string{"op", "status"},
		),
		IndexWriteRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_write_retries_total",
				Help:      "Scope writes retried after a transient backing-store failure.",
			},
		),
		UpdateBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_batches_total",
				Help:      "Index update batches by outcome (applied, duplicate, failed).",
			},
			[]string{"outcome"},
		),
		CorruptEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_index_entries_total",
				Help:      "Index columns skipped because they failed to decode.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Queries by driving access path (range, equals, geo, all) and result (ok, error).",
			},
			[]string{"driver", "result"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_latency_seconds",
				Help:      "Query latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		QueryResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_results_count",
				Help:      "Entities returned per query page.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 500},
			},
		),
		QueryCandidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_candidates_count",
				Help:      "Driving-scan candidates examined per query page.",
				Buckets:   []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cache_hits_total",
				Help:      "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cache_misses_total",
				Help:      "Total number of query cache misses.",
			},
		),
		GeoIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_search_iterations",
				Help:      "Ring expansion iterations per proximity search.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		GeoCleanupsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_cleanup_deletes_total",
				Help:      "Outdated geocell entries deleted during proximity search.",
			},
		),
		SweepDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_deleted_entries_total",
				Help:      "Stale index entries removed by the sweeper.",
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Sweep runs by trigger (interval, request, manual) and status.",
			},
			[]string{"trigger", "status"},
		),
		MetadataCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "metadata_cache_entries",
				Help:      "Entries held by the scope metadata LRU cache.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IndexWritesTotal,
		m.IndexWriteRetries,
		m.UpdateBatchesTotal,
		m.CorruptEntriesTotal,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.QueryCandidates,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.GeoIterations,
		m.GeoCleanupsTotal,
		m.SweepDeletedTotal,
		m.SweepRunsTotal,
		m.MetadataCacheSize,
		m.CircuitBreakerState,
	)

	return m
}

// NewUnregistered returns collectors attached to a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
