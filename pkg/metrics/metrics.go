// Package metrics exposes Prometheus instrumentation for the control
// plane. Everything is registered on the default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_total",
			Help: "Number of sessions by status",
		},
		[]string{"status"},
	)

	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_created_total",
			Help: "Total sessions created by mode",
		},
		[]string{"mode"},
	)

	SessionsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_reaped_total",
			Help: "Total sessions reaped by reason",
		},
		[]string{"reason"},
	)

	// Scheduling metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_scheduling_latency_seconds",
			Help:    "Time from session creation to executor readiness",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	SchedulingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_scheduling_failures_total",
			Help: "Total scheduling failures by reason",
		},
		[]string{"reason"},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_executions_total",
			Help: "Total executions by terminal status",
		},
		[]string{"status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_execution_duration_seconds",
			Help:    "Execution wall time by language",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"language"},
	)

	ExecutorDispatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_executor_dispatch_errors_total",
			Help: "Total failed dispatches to in-container executors",
		},
	)

	CircuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_executor_circuit_open",
			Help: "Whether the executor dispatch circuit breaker is open",
		},
	)

	// Reconciler metrics
	ReconcileRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_runs_total",
			Help: "Total reconciliation passes",
		},
	)

	OrphansDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_orphan_containers_destroyed_total",
			Help: "Total orphaned containers destroyed during reconciliation",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsReaped)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingFailures)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(ExecutorDispatchErrors)
	prometheus.MustRegister(CircuitBreakerOpen)
	prometheus.MustRegister(ReconcileRuns)
	prometheus.MustRegister(OrphansDestroyed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
