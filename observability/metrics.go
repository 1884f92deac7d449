// Package observability provides Prometheus metrics and OpenTelemetry
// tracing helpers for the Orchestrator's five phases, the Task Executor's
// dependency graph, and the Tool Executor's calls. Those packages do not
// call the phase, task, tool-call or iteration helpers; the Session API
// records its HTTP requests and created sessions. Grounded on the
// teacher's pkg/observability package: one *Metrics struct owning its
// own prometheus.Registry, nil-receiver methods that no-op when
// metrics are disabled, one init* per subsystem.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus series for one deployment. A nil
// *Metrics is valid and every Record*/Set* method on it is a no-op, so
// call sites never need a feature-flag check of their own.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	phaseRuns     *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec
	iterations    prometheus.Histogram

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	taskRuns  *prometheus.CounterVec
	taskStuck *prometheus.CounterVec

	historySearches *prometheus.CounterVec
	historyDuration *prometheus.HistogramVec

	sessionsCreated *prometheus.CounterVec
	sessionsActive  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics from cfg, or returns (nil, nil) if cfg is
// nil or disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}
	m.initPhaseMetrics()
	m.initToolMetrics()
	m.initTaskMetrics()
	m.initHistoryMetrics()
	m.initSessionMetrics()
	m.initHTTPMetrics()
	return m, nil
}

func (m *Metrics) initPhaseMetrics() {
	m.phaseRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "orchestrator", Name: "phase_runs_total",
		Help: "Total number of phase executions (understand, plan, execute, reflect, answer)",
	}, []string{"phase"})

	m.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "orchestrator", Name: "phase_duration_seconds",
		Help:    "Phase duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to 410s
	}, []string{"phase"})

	m.phaseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "orchestrator", Name: "phase_errors_total",
		Help: "Total number of phase-fatal errors",
	}, []string{"phase"})

	m.iterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "orchestrator", Name: "iterations_per_turn",
		Help:    "Number of plan/execute/reflect iterations a turn took before completing",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	m.registry.MustRegister(m.phaseRuns, m.phaseDuration, m.phaseErrors, m.iterations)
}

func (m *Metrics) initToolMetrics() {
	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool invocations",
	}, []string{"tool_name", "status"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to 82s
	}, []string{"tool_name"})

	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "errors_total",
		Help: "Total number of failed tool invocations",
	}, []string{"tool_name"})

	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolErrors)
}

func (m *Metrics) initTaskMetrics() {
	m.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "task", Name: "runs_total",
		Help: "Total number of scheduled tasks by task_type and final status",
	}, []string{"task_type", "status"})

	m.taskStuck = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "task", Name: "stuck_total",
		Help: "Total number of plans abandoned with unscheduled tasks (cycle or unmet dependency)",
	}, []string{})

	m.registry.MustRegister(m.taskRuns, m.taskStuck)
}

func (m *Metrics) initHistoryMetrics() {
	m.historySearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "history", Name: "relevance_searches_total",
		Help: "Total number of Message History relevance selections by strategy",
	}, []string{"strategy"})

	m.historyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "history", Name: "relevance_duration_seconds",
		Help:    "Message History relevance selection duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
	}, []string{"strategy"})

	m.registry.MustRegister(m.historySearches, m.historyDuration)
}

func (m *Metrics) initSessionMetrics() {
	m.sessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "created_total",
		Help: "Total number of sessions created via the Session API",
	}, []string{"backend"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "active",
		Help: "Number of sessions currently tracked by the in-memory Session Store",
	})

	m.registry.MustRegister(m.sessionsCreated, m.sessionsActive)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of Session API HTTP requests",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Session API HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordPhase records one phase execution's outcome and duration.
func (m *Metrics) RecordPhase(phase string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.phaseRuns.WithLabelValues(phase).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(phase).Inc()
	}
}

// RecordIterations records how many plan/execute/reflect iterations a
// completed turn took.
func (m *Metrics) RecordIterations(n int) {
	if m == nil {
		return
	}
	m.iterations.Observe(float64(n))
}

// RecordToolCall records one tool invocation's outcome and duration.
func (m *Metrics) RecordToolCall(toolName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, status).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	if status == "failed" {
		m.toolErrors.WithLabelValues(toolName).Inc()
	}
}

// RecordTaskRun records one task's final status.
func (m *Metrics) RecordTaskRun(taskType, status string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(taskType, status).Inc()
}

// RecordTaskGraphStuck records a plan abandoned with unscheduled tasks.
func (m *Metrics) RecordTaskGraphStuck() {
	if m == nil {
		return
	}
	m.taskStuck.WithLabelValues().Inc()
}

// RecordHistorySearch records one Message History relevance selection.
func (m *Metrics) RecordHistorySearch(strategy string, duration time.Duration) {
	if m == nil {
		return
	}
	m.historySearches.WithLabelValues(strategy).Inc()
	m.historyDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated(backend string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(backend).Inc()
}

// SetSessionsActive sets the current session count.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(count))
}

// RecordHTTPRequest records one Session API HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusCodeLabel(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler serves the registry in the Prometheus exposition format. A
// nil Metrics serves 503, so wiring the handler unconditionally is
// safe even when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
