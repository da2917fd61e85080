// Package metrics bundles the Prometheus collectors for the ingestion,
// store, and broadcast paths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch and dispatch outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
	OutcomeSkipped     = "skipped"
	OutcomeDegraded    = "degraded"
)

// Registry owns every collector the service exports.
type Registry struct {
	registry *prometheus.Registry

	SourceFetches   *prometheus.CounterVec
	SourceDuration  *prometheus.HistogramVec
	StoreOps        *prometheus.CounterVec
	CollectorCycles *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	DispatchSeconds prometheus.Histogram
	SnapshotSeconds prometheus.Histogram
	StreamClients   *prometheus.GaugeVec
	Evictions       *prometheus.CounterVec
	StoreHealthy    prometheus.Gauge
}

// New builds and registers the collector set on a private registry.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.SourceFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefeed_source_fetches_total",
		Help: "Adapter fetches by source and outcome",
	}, []string{"source", "outcome"})

	r.SourceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulsefeed_source_fetch_duration_seconds",
		Help:    "Adapter fetch latency by source",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"source"})

	r.StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefeed_store_operations_total",
		Help: "Cache store operations by op and outcome",
	}, []string{"op", "outcome"})

	r.CollectorCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefeed_collector_cycles_total",
		Help: "Collector loop cycles by loop",
	}, []string{"loop"})

	r.Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefeed_dispatches_total",
		Help: "Snapshot dispatches by page class and outcome",
	}, []string{"page", "outcome"})

	r.DispatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsefeed_dispatch_duration_seconds",
		Help:    "Time from snapshot build to all sends enqueued",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
	})

	r.SnapshotSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsefeed_snapshot_build_duration_seconds",
		Help:    "Snapshot assembly latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	r.StreamClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsefeed_stream_clients",
		Help: "Connected streaming clients by page class",
	}, []string{"page"})

	r.Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefeed_client_evictions_total",
		Help: "Clients evicted by reason",
	}, []string{"reason"})

	r.StoreHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsefeed_store_healthy",
		Help: "1 when the cache store answers pings",
	})

	r.registry.MustRegister(
		r.SourceFetches,
		r.SourceDuration,
		r.StoreOps,
		r.CollectorCycles,
		r.Dispatches,
		r.DispatchSeconds,
		r.SnapshotSeconds,
		r.StreamClients,
		r.Evictions,
		r.StoreHealthy,
	)
	return r
}

// Handler exposes the registry for the ops server.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveFetch records one adapter call.
func (r *Registry) ObserveFetch(source, outcome string, elapsed time.Duration) {
	r.SourceFetches.WithLabelValues(source, outcome).Inc()
	r.SourceDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// RecordStoreOp records one store operation result.
func (r *Registry) RecordStoreOp(op string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	r.StoreOps.WithLabelValues(op, outcome).Inc()
}
