// Package observability exposes the gateway's prometheus metrics and the
// tool audit trail.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider status values reported by the provider_status gauge.
const (
	ProviderHealthy = 0
	ProviderBusy    = 1
	ProviderSick    = 2
)

type moduleMetrics struct {
	providerStatus     *prometheus.GaugeVec
	routerCallsTotal   *prometheus.CounterVec
	routerCallDuration *prometheus.HistogramVec
	routerExhausted    *prometheus.CounterVec

	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	turnToolCalls prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	sessionOpsTotal     *prometheus.CounterVec
	sessionLoadDuration prometheus.Histogram
	sessionSkippedLines prometheus.Counter

	schedulerPending prometheus.Gauge
	schedulerFired   prometheus.Counter

	processSessions prometheus.Gauge
	processStarted  prometheus.Counter

	queueDepth *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			providerStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "clawgate_provider_status",
					Help: "Provider health: 0 healthy, 1 busy, 2 sick.",
				},
				[]string{"provider"},
			),
			routerCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clawgate_router_calls_total",
					Help: "Upstream calls by provider, mode and outcome.",
				},
				[]string{"provider", "mode", "outcome"},
			),
			routerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "clawgate_router_call_duration_seconds",
					Help:    "Upstream call latency in seconds.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"provider", "mode"},
			),
			routerExhausted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clawgate_router_pool_exhausted_total",
					Help: "Requests that found no selectable provider, by reason.",
				},
				[]string{"reason"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clawgate_turns_total",
					Help: "Completed turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "clawgate_turn_duration_seconds",
					Help:    "Turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnToolCalls: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "clawgate_turn_tool_calls",
					Help:    "Tool calls executed per turn.",
					Buckets: []float64{0, 1, 2, 4, 8, 16},
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clawgate_tool_executions_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "clawgate_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sessionOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clawgate_session_ops_total",
					Help: "Session log operations by op and status.",
				},
				[]string{"op", "status"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "clawgate_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSkippedLines: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "clawgate_session_skipped_lines_total",
					Help: "Corrupt session records skipped during load.",
				},
			),
			schedulerPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "clawgate_scheduler_pending_tasks",
					Help: "Tasks waiting for their due time.",
				},
			),
			schedulerFired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "clawgate_scheduler_fired_total",
					Help: "Tasks fired.",
				},
			),
			processSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "clawgate_process_sessions",
					Help: "Background process sessions currently tracked.",
				},
			),
			processStarted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "clawgate_process_started_total",
					Help: "Background process sessions started.",
				},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "clawgate_queue_depth",
					Help: "Queued plus running turns by lane.",
				},
				[]string{"lane"},
			),
		}

		prometheus.MustRegister(
			m.providerStatus,
			m.routerCallsTotal,
			m.routerCallDuration,
			m.routerExhausted,
			m.turnsTotal,
			m.turnDuration,
			m.turnToolCalls,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sessionOpsTotal,
			m.sessionLoadDuration,
			m.sessionSkippedLines,
			m.schedulerPending,
			m.schedulerFired,
			m.processSessions,
			m.processStarted,
			m.queueDepth,
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

func SetProviderStatus(provider string, status int) {
	getMetrics().providerStatus.WithLabelValues(provider).Set(float64(status))
}

// ResetProviderStatus drops every provider series, used when the pool is rebuilt.
func ResetProviderStatus() {
	getMetrics().providerStatus.Reset()
}

func RecordRouterCall(provider, mode, outcome string, duration time.Duration) {
	m := getMetrics()
	m.routerCallsTotal.WithLabelValues(provider, mode, outcome).Inc()
	m.routerCallDuration.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordPoolExhausted(reason string) {
	getMetrics().routerExhausted.WithLabelValues(reason).Inc()
}

func RecordTurn(outcome string, duration time.Duration, toolCalls int) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnToolCalls.Observe(float64(toolCalls))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSessionOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	getMetrics().sessionOpsTotal.WithLabelValues(op, status).Inc()
}

func RecordSessionLoad(duration time.Duration, skipped int) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
	if skipped > 0 {
		m.sessionSkippedLines.Add(float64(skipped))
	}
}

func SetSchedulerPending(n int) {
	getMetrics().schedulerPending.Set(float64(n))
}

func RecordSchedulerFired(n int) {
	getMetrics().schedulerFired.Add(float64(n))
}

func SetProcessSessions(n int) {
	getMetrics().processSessions.Set(float64(n))
}

func RecordProcessStarted() {
	getMetrics().processStarted.Inc()
}

func SetQueueDepth(lane string, depth int) {
	getMetrics().queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// DeleteQueueDepth drops a lane's series once the lane is idle.
func DeleteQueueDepth(lane string) {
	getMetrics().queueDepth.DeleteLabelValues(lane)
}
