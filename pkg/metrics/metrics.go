// Package metrics defines the Prometheus metric collectors used by the
// search subscription engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	ActiveSubscriptions  prometheus.Gauge
	SubscribesTotal      *prometheus.CounterVec
	EventsProcessedTotal *prometheus.CounterVec
	DuplicateEventsTotal prometheus.Counter
	MatchesTotal         prometheus.Counter
	MatchLatency         prometheus.Histogram
	BatchFlushesTotal    prometheus.Counter
	BatchSize            prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheInvalidations   *prometheus.CounterVec
	ScopeUpdatesTotal    *prometheus.CounterVec
	SyncPublishFailures  prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "search_active_subscriptions",
				Help: "Number of live search subscriptions on this instance.",
			},
		),
		SubscribesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_subscribes_total",
				Help: "Total subscribe attempts by outcome (ok, validation_error, capacity_exceeded).",
			},
			[]string{"outcome"},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_events_processed_total",
				Help: "Total domain events processed by kind and status (ok, skipped, error).",
			},
			[]string{"kind", "status"},
		),
		DuplicateEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_duplicate_events_total",
				Help: "Total events dropped by the idempotency gate.",
			},
		),
		MatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_matches_total",
				Help: "Total subscription matches found.",
			},
		),
		MatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_match_latency_seconds",
				Help:    "Latency of candidate filtering plus predicate evaluation.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		BatchFlushesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_batch_flushes_total",
				Help: "Total batch dispatcher flushes.",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_batch_size",
				Help:    "Number of notifications emitted per flush.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_hits_total",
				Help: "Total result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_misses_total",
				Help: "Total result cache misses.",
			},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_invalidations_total",
				Help: "Total pattern invalidations by category.",
			},
			[]string{"category"},
		),
		ScopeUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_scope_updates_total",
				Help: "Total scope updates applied by origin (local, remote).",
			},
			[]string{"origin"},
		),
		SyncPublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_sync_publish_failures_total",
				Help: "Total failed cross-instance scope broadcasts (update stayed local-only).",
			},
		),
	}

	prometheus.MustRegister(
		m.ActiveSubscriptions,
		m.SubscribesTotal,
		m.EventsProcessedTotal,
		m.DuplicateEventsTotal,
		m.MatchesTotal,
		m.MatchLatency,
		m.BatchFlushesTotal,
		m.BatchSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.ScopeUpdatesTotal,
		m.SyncPublishFailures,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
