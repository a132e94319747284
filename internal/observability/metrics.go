package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentTurnsTotal  *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	authPendingTotal  prometheus.Counter
	authExchangeTotal *prometheus.CounterVec

	toolsetTools  *prometheus.GaugeVec
	toolsetReload *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			agentTurnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_model_turns_total",
					Help: "Total model turns taken by agent.",
				},
				[]string{"agent"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			authPendingTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "auth_pending_total",
					Help: "Total runs paused waiting for user authorization.",
				},
			),
			authExchangeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "auth_exchange_total",
					Help: "Total authorization code exchanges by outcome.",
				},
				[]string{"outcome"},
			),
			toolsetTools: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "toolset_tools",
					Help: "Number of tools loaded per toolset.",
				},
				[]string{"toolset"},
			),
			toolsetReload: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolset_reload_total",
					Help: "Total toolset reloads by toolset and status.",
				},
				[]string{"toolset", "status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentTurnsTotal,
			m.providerCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.authPendingTotal,
			m.authExchangeTotal,
			m.toolsetTools,
			m.toolsetReload,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentRun(agent string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(agent, status).Inc()
	m.agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordModelTurn(agent string) {
	getMetrics().agentTurnsTotal.WithLabelValues(agent).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(v)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAuthPending() {
	getMetrics().authPendingTotal.Inc()
}

func RecordAuthExchange(outcome string) {
	getMetrics().authExchangeTotal.WithLabelValues(outcome).Inc()
}

func SetToolsetTools(toolset string, count int) {
	getMetrics().toolsetTools.WithLabelValues(toolset).Set(float64(count))
}

func RecordToolsetReload(toolset string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().toolsetReload.WithLabelValues(toolset, status).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}
