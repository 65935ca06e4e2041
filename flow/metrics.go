package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Exposed metrics (namespace "contentflow"):
//
//   - node_latency_ms (histogram): node execution duration, labeled by
//     node and status (success/error).
//   - node_retries_total (counter): transparent node retries, labeled by
//     node and reason.
//   - tasks_total (counter): tasks reaching a terminal status, labeled by
//     status (completed/failed/cancelled).
//   - queue_depth (gauge): jobs waiting in the queue.
//   - workers_inflight (gauge): jobs currently being processed.
//
// Thread-safe; all updates go through prometheus client primitives.
type Metrics struct {
	nodeLatency     *prometheus.HistogramVec
	nodeRetries     *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	workersInflight prometheus.Gauge
}

// NewMetrics creates and registers the workflow metrics with the given
// registry. Pass nil to use the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contentflow",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 180000, 300000},
		}, []string{"node", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "node_retries_total",
			Help:      "Transparent node retry attempts",
		}, []string{"node", "reason"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal status",
		}, []string{"status"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentflow",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the task queue",
		}),
		workersInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentflow",
			Name:      "workers_inflight",
			Help:      "Jobs currently being processed by workers",
		}),
	}
}

// ObserveNode records a node execution duration and outcome.
func (m *Metrics) ObserveNode(node string, latency time.Duration, status string) {
	m.nodeLatency.WithLabelValues(node, status).Observe(float64(latency.Milliseconds()))
}

// IncRetries increments the transparent retry counter for a node.
func (m *Metrics) IncRetries(node, reason string) {
	m.nodeRetries.WithLabelValues(node, reason).Inc()
}

// TaskFinished counts a task reaching a terminal status.
func (m *Metrics) TaskFinished(status string) {
	m.tasksTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// WorkerStarted increments the inflight gauge.
func (m *Metrics) WorkerStarted() {
	m.workersInflight.Inc()
}

// WorkerFinished decrements the inflight gauge.
func (m *Metrics) WorkerFinished() {
	m.workersInflight.Dec()
}
