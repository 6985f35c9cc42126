package ops

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for the stackpilot daemon. All methods
// are safe on a nil receiver so callers never need to guard the wiring.
type Metrics struct {
	registry                *prometheus.Registry
	rolloutsTotal           *prometheus.CounterVec
	observerChecksTotal     *prometheus.CounterVec
	collectionDuration      prometheus.Histogram
	activeDeploymentsGauge  prometheus.Gauge
	snapshotsPrunedTotal    prometheus.Counter
	lastCollectionTimestamp prometheus.Gauge
}

// NewMetrics initializes a Metrics registry with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		rolloutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_rollouts_total",
			Help: "Total stack rollouts by environment and outcome.",
		}, []string{"environment", "outcome"}),
		observerChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_observer_checks_total",
			Help: "Total maintenance observer checks by type and result.",
		}, []string{"type", "result"}),
		collectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackpilot_health_collection_duration_seconds",
			Help:    "Duration of health collection cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		activeDeploymentsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackpilot_active_deployments",
			Help: "Number of deployments currently tracked by the health collector.",
		}),
		snapshotsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackpilot_snapshots_pruned_total",
			Help: "Total health snapshots removed by retention pruning.",
		}),
		lastCollectionTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackpilot_last_collection_timestamp",
			Help: "Unix timestamp of the last completed health collection cycle.",
		}),
	}

	registry.MustRegister(
		m.rolloutsTotal,
		m.observerChecksTotal,
		m.collectionDuration,
		m.activeDeploymentsGauge,
		m.snapshotsPrunedTotal,
		m.lastCollectionTimestamp,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncRollout increments the rollout counter for an environment/outcome pair.
func (m *Metrics) IncRollout(environment, outcome string) {
	if m == nil {
		return
	}
	m.rolloutsTotal.WithLabelValues(environment, outcome).Inc()
}

// IncObserverCheck increments the observer check counter.
func (m *Metrics) IncObserverCheck(observerType, result string) {
	if m == nil {
		return
	}
	m.observerChecksTotal.WithLabelValues(observerType, result).Inc()
}

// ObserveCollectionDuration records the duration of a health collection cycle.
func (m *Metrics) ObserveCollectionDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.collectionDuration.Observe(duration.Seconds())
}

// SetActiveDeployments sets the active deployment gauge.
func (m *Metrics) SetActiveDeployments(count int) {
	if m == nil {
		return
	}
	m.activeDeploymentsGauge.Set(float64(count))
}

// AddSnapshotsPruned adds to the pruned snapshot counter.
func (m *Metrics) AddSnapshotsPruned(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.snapshotsPrunedTotal.Add(float64(count))
}

// SetLastCollectionTimestamp records when the last collection cycle finished.
func (m *Metrics) SetLastCollectionTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastCollectionTimestamp.Set(float64(t.Unix()))
}
