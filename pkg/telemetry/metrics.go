package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus surface, trimmed from the pack's
// fuller observability.Metrics (haasonsaas-nexus) down to the handful of
// series this protocol actually produces: connection count, run outcomes,
// backend call latency, and tool execution latency.
type Metrics struct {
	ActiveConnections prometheus.Gauge

	RunsStarted  *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	DroppedEvents *prometheus.CounterVec

	BackendRequestDuration *prometheus.HistogramVec
	BackendRequestCounter  *prometheus.CounterVec

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	IdempotencyCacheSize prometheus.Gauge
}

// NewMetrics registers every series with the default registry. Call once at
// startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Current number of authenticated WebSocket connections.",
		}),
		RunsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_runs_total",
			Help: "Total runs by terminal state (completed|error|aborted).",
		}, []string{"state"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_run_duration_seconds",
			Help:    "Wall-clock duration of one run from start to terminal state.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"state"}),
		DroppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dropped_events_total",
			Help: "Broadcast events dropped for a slow consumer, by event name.",
		}, []string{"event"}),
		BackendRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_backend_request_duration_seconds",
			Help:    "Duration of one backend.StreamChat call.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		BackendRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_requests_total",
			Help: "Total backend.StreamChat calls by provider and status.",
		}, []string{"provider", "status"}),
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_executions_total",
			Help: "Total tool dispatches by tool name and status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_tool_execution_duration_seconds",
			Help:    "Duration of one tool dispatch.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool_name"}),
		IdempotencyCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_idempotency_cache_size",
			Help: "Current number of tracked idempotency keys.",
		}),
	}
}

func (m *Metrics) RecordRun(state string, durationSeconds float64) {
	m.RunsStarted.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(durationSeconds)
}

func (m *Metrics) RecordDroppedEvent(event string) {
	m.DroppedEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordBackendRequest(provider, status string, durationSeconds float64) {
	m.BackendRequestCounter.WithLabelValues(provider, status).Inc()
	m.BackendRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}
