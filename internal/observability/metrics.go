// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "position_monitor"

// Metrics holds all Prometheus metrics for the monitor. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Health metrics
	ComponentHealth    *prometheus.GaugeVec
	ComponentErrors    *prometheus.CounterVec
	ConsecutiveErrors  *prometheus.GaugeVec
	TaskRestarts       *prometheus.CounterVec
	LastSuccessfulTick prometheus.Gauge

	// Fetch metrics
	APIQueries    *prometheus.CounterVec
	FallbackUsed  prometheus.Counter
	FetchLatency  *prometheus.HistogramVec
	FetchInFlight prometheus.Gauge
	FetchSkipped  prometheus.Counter

	// Refresh metrics
	RefreshDuration prometheus.Histogram
	RefreshTicks    prometheus.Counter

	// Storage metrics
	PositionsUpserted *prometheus.CounterVec
	PositionsClosed   *prometheus.CounterVec
	PositionsRemoved  *prometheus.CounterVec
	LostUpdates       prometheus.Counter
	StorageRetries    prometheus.Counter

	// Discovery metrics
	SnapshotsProcessed *prometheus.CounterVec
	AddressesTracked   prometheus.Gauge
	LastGeneration     prometheus.Gauge
	AddressesPruned    prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on its own registry,
// together with the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ComponentHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "component_state",
			Help:      "Component health state (0=healthy, 1=degraded, 2=failed)",
		}, []string{"component"}),
		ComponentErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "component_errors_total",
			Help:      "Total number of errors reported per component",
		}, []string{"component"}),
		ConsecutiveErrors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "consecutive_errors",
			Help:      "Current run of consecutive errors per component",
		}, []string{"component"}),
		TaskRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "task_restarts_total",
			Help:      "Total number of task restarts after failure",
		}, []string{"task"}),
		LastSuccessfulTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_refresh_timestamp",
			Help:      "Unix timestamp of the last completed refresh tick",
		}),

		APIQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "api_queries_total",
			Help:      "Total number of API queries by endpoint and status",
		}, []string{"source", "status"}),
		FallbackUsed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "fallback_used_total",
			Help:      "Total number of fetches that fell back to the secondary endpoint",
		}),
		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "latency_seconds",
			Help:      "Per-endpoint request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		FetchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Fetches currently outstanding",
		}),
		FetchSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "skipped_total",
			Help:      "Fetches skipped because the previous one for the address was still running",
		}),

		RefreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "tick_duration_seconds",
			Help:      "Time to dispatch and complete one refresh tick",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		RefreshTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "ticks_total",
			Help:      "Total number of refresh ticks",
		}),

		PositionsUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "positions_upserted_total",
			Help:      "Total number of position upserts by market",
		}, []string{"market"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "positions_closed_total",
			Help:      "Total number of positions marked closed by market",
		}, []string{"market"}),
		PositionsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "positions_removed_total",
			Help:      "Total number of stale positions removed by market",
		}, []string{"market"}),
		LostUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "lost_updates_total",
			Help:      "Updates dropped after the storage retry budget was exhausted",
		}),
		StorageRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "retries_total",
			Help:      "Total number of storage retries",
		}),

		SnapshotsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "snapshots_total",
			Help:      "Snapshots handled by outcome",
		}, []string{"status"}),
		AddressesTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "addresses_tracked",
			Help:      "Addresses in the working set",
		}),
		LastGeneration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "last_generation",
			Help:      "Highest snapshot generation processed",
		}),
		AddressesPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "addresses_pruned_total",
			Help:      "Addresses removed from the working set after their positions were cleaned up",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAPIQuery records one endpoint attempt.
func (m *Metrics) RecordAPIQuery(source, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.APIQueries.WithLabelValues(source, status).Inc()
	m.FetchLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// RecordFallback increments the fallback counter.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbackUsed.Inc()
}

// SetInFlight updates the in-flight fetch gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.FetchInFlight.Set(float64(n))
}

// RecordSkipped counts fetches skipped by de-duplication.
func (m *Metrics) RecordSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.FetchSkipped.Add(float64(n))
}

// RecordRefreshTick records a completed refresh tick.
func (m *Metrics) RecordRefreshTick(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTicks.Inc()
	m.RefreshDuration.Observe(elapsed.Seconds())
	m.LastSuccessfulTick.SetToCurrentTime()
}

// RecordUpserted counts upserted rows for market.
func (m *Metrics) RecordUpserted(market string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PositionsUpserted.WithLabelValues(market).Add(float64(n))
}

// RecordClosed counts rows marked closed for market.
func (m *Metrics) RecordClosed(market string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PositionsClosed.WithLabelValues(market).Add(float64(n))
}

// RecordRemoved counts stale rows removed for market.
func (m *Metrics) RecordRemoved(market string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PositionsRemoved.WithLabelValues(market).Add(float64(n))
}

// RecordLostUpdate counts an update dropped after retries.
func (m *Metrics) RecordLostUpdate() {
	if m == nil {
		return
	}
	m.LostUpdates.Inc()
}

// RecordStorageRetry counts one storage retry.
func (m *Metrics) RecordStorageRetry() {
	if m == nil {
		return
	}
	m.StorageRetries.Inc()
}

// RecordSnapshot counts a snapshot outcome ("ok", "stale", "unreadable").
func (m *Metrics) RecordSnapshot(status string, generation int64) {
	if m == nil {
		return
	}
	m.SnapshotsProcessed.WithLabelValues(status).Inc()
	if status == "ok" {
		m.LastGeneration.Set(float64(generation))
	}
}

// SetAddressesTracked updates the working-set size gauge.
func (m *Metrics) SetAddressesTracked(n int) {
	if m == nil {
		return
	}
	m.AddressesTracked.Set(float64(n))
}

// RecordPruned counts addresses removed from the working set.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.AddressesPruned.Add(float64(n))
}

// SetComponentHealth records a component's state and its consecutive error count.
func (m *Metrics) SetComponentHealth(component string, state, consecutive int) {
	if m == nil {
		return
	}
	m.ComponentHealth.WithLabelValues(component).Set(float64(state))
	m.ConsecutiveErrors.WithLabelValues(component).Set(float64(consecutive))
}

// RecordComponentError counts one error for component.
func (m *Metrics) RecordComponentError(component string) {
	if m == nil {
		return
	}
	m.ComponentErrors.WithLabelValues(component).Inc()
}

// RecordRestart counts a task restart.
func (m *Metrics) RecordRestart(task string) {
	if m == nil {
		return
	}
	m.TaskRestarts.WithLabelValues(task).Inc()
}
