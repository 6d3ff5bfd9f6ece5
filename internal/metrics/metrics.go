package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Call adapter metrics
	ToolCalls     *prometheus.CounterVec
	ToolLatency   *prometheus.HistogramVec
	ToolRetries   *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CallsInFlight *prometheus.GaugeVec

	// Scheduler metrics
	StepExecutions *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec

	// Control loop metrics
	Anomalies *prometheus.CounterVec
	Replans   *prometheus.CounterVec
	Sessions  *prometheus.CounterVec

	// Resource guard metrics
	ResourceReleases *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_tool_calls_total",
				Help: "Total number of tool calls completed by the call adapters",
			},
			[]string{"tool", "strategy", "success"},
		),
		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_tool_latency_seconds",
				Help:    "Tool call latency in seconds, including retries",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tool", "strategy"},
		),
		ToolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_tool_retries_total",
				Help: "Total number of tool call retries",
			},
			[]string{"tool", "strategy"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_cache_hits_total",
				Help: "Total number of tool result cache hits",
			},
			[]string{"strategy"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_cache_misses_total",
				Help: "Total number of tool result cache misses",
			},
			[]string{"strategy"},
		),
		CallsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_calls_in_flight",
				Help: "Tool calls currently holding a concurrency slot",
			},
			[]string{"strategy"},
		),
		StepExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_step_executions_total",
				Help: "Total number of steps reaching a terminal state",
			},
			[]string{"tool", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_step_duration_seconds",
				Help:    "Step wall-clock duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		Anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_anomalies_total",
				Help: "Total number of anomalies detected",
			},
			[]string{"kind", "severity"},
		),
		Replans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_replans_total",
				Help: "Total number of plan revisions issued",
			},
			[]string{"strategy"},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_sessions_total",
				Help: "Total number of finished execution sessions",
			},
			[]string{"outcome"},
		),
		ResourceReleases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_resource_releases_total",
				Help: "Total number of resource release attempts",
			},
			[]string{"kind", "success"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code"},
		),
	}
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// RecordToolCall records a finished adapter call.
func (m *Metrics) RecordToolCall(tool, strategy string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, strategy, successLabel(success)).Inc()
	m.ToolLatency.WithLabelValues(tool, strategy).Observe(d.Seconds())
}

// RecordRetry records one retry of a tool call.
func (m *Metrics) RecordRetry(tool, strategy string) {
	if m == nil {
		return
	}
	m.ToolRetries.WithLabelValues(tool, strategy).Inc()
}

// RecordCache records a cache lookup.
func (m *Metrics) RecordCache(strategy string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(strategy).Inc()
	} else {
		m.CacheMisses.WithLabelValues(strategy).Inc()
	}
}

// AddInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) AddInFlight(strategy string, delta float64) {
	if m == nil {
		return
	}
	m.CallsInFlight.WithLabelValues(strategy).Add(delta)
}

// RecordStep records a step reaching a terminal status.
func (m *Metrics) RecordStep(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutions.WithLabelValues(tool, status).Inc()
	if d > 0 {
		m.StepDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordAnomaly records a detected anomaly.
func (m *Metrics) RecordAnomaly(kind, severity string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind, severity).Inc()
}

// RecordReplan records an issued plan revision.
func (m *Metrics) RecordReplan(strategy string) {
	if m == nil {
		return
	}
	m.Replans.WithLabelValues(strategy).Inc()
}

// RecordSession records a finished session outcome.
func (m *Metrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
}

// RecordRelease records a resource release attempt.
func (m *Metrics) RecordRelease(kind string, success bool) {
	if m == nil {
		return
	}
	m.ResourceReleases.WithLabelValues(kind, successLabel(success)).Inc()
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}
