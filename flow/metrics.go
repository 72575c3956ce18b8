package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for orchestrator monitoring.
//
// Metrics exposed (namespaced "flowgraph_"):
//
//  1. active_processes (gauge): worker processes currently live.
//  2. active_yields (gauge): yields currently parked.
//  3. decisions_total (counter): scheduler decisions, labeled by kind.
//  4. spawns_total (counter): worker spawns, labeled by trigger reason.
//  5. yields_total (counter): yield lifecycle events, labeled registered or
//     satisfied.
//  6. workflows_completed_total (counter): terminal workflows by status.
//  7. persist_latency_ms (histogram): store commit round-trip duration.
//  8. decision_latency_ms (histogram): scheduler decision duration.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	result := flow.Run(ctx, req, deps, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are nil-receiver safe so the orchestrator can call them
// unconditionally.
type Metrics struct {
	activeProcesses prometheus.Gauge
	activeYields    prometheus.Gauge
	decisions       *prometheus.CounterVec
	spawns          *prometheus.CounterVec
	yields          *prometheus.CounterVec
	completed       *prometheus.CounterVec
	persistLatency  prometheus.Histogram
	decisionLatency prometheus.Histogram
}

// NewMetrics creates and registers the orchestrator metrics with the given
// registerer (use prometheus.DefaultRegisterer for the global registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	buckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000}
	return &Metrics{
		activeProcesses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowgraph_active_processes",
			Help: "Number of worker processes currently live.",
		}),
		activeYields: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowgraph_active_yields",
			Help: "Number of yields currently parked.",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgraph_decisions_total",
			Help: "Scheduler decisions by kind.",
		}, []string{"kind"}),
		spawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgraph_spawns_total",
			Help: "Worker spawns by trigger reason.",
		}, []string{"trigger"}),
		yields: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgraph_yields_total",
			Help: "Yield lifecycle events.",
		}, []string{"event"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgraph_workflows_completed_total",
			Help: "Terminal workflows by status.",
		}, []string{"status"}),
		persistLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowgraph_persist_latency_ms",
			Help:    "Store commit round-trip duration in milliseconds.",
			Buckets: buckets,
		}),
		decisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowgraph_decision_latency_ms",
			Help:    "Scheduler decision duration in milliseconds.",
			Buckets: buckets,
		}),
	}
}

// SetActiveProcesses records the current worker process count.
func (m *Metrics) SetActiveProcesses(n int) {
	if m != nil {
		m.activeProcesses.Set(float64(n))
	}
}

// SetActiveYields records the current parked yield count.
func (m *Metrics) SetActiveYields(n int) {
	if m != nil {
		m.activeYields.Set(float64(n))
	}
}

// ObserveDecision records one scheduler decision and its duration.
func (m *Metrics) ObserveDecision(kind DecisionKind, d time.Duration) {
	if m != nil {
		m.decisions.WithLabelValues(string(kind)).Inc()
		m.decisionLatency.Observe(float64(d.Milliseconds()))
	}
}

// ObservePersist records one store commit round trip.
func (m *Metrics) ObservePersist(d time.Duration) {
	if m != nil {
		m.persistLatency.Observe(float64(d.Milliseconds()))
	}
}

// AddSpawns counts worker spawns for a trigger reason.
func (m *Metrics) AddSpawns(trigger TriggerReason, n int) {
	if m != nil {
		m.spawns.WithLabelValues(string(trigger)).Add(float64(n))
	}
}

// IncYieldRegistered counts a yield registration.
func (m *Metrics) IncYieldRegistered() {
	if m != nil {
		m.yields.WithLabelValues("registered").Inc()
	}
}

// IncYieldSatisfied counts a yield satisfaction.
func (m *Metrics) IncYieldSatisfied() {
	if m != nil {
		m.yields.WithLabelValues("satisfied").Inc()
	}
}

// IncCompleted counts a terminal workflow by status.
func (m *Metrics) IncCompleted(status string) {
	if m != nil {
		m.completed.WithLabelValues(status).Inc()
	}
}
