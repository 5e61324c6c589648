package observability

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsEnqueuedTotal counts queue jobs by kind (task, retry, dead).
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_jobs_enqueued_total",
			Help: "Total number of queue jobs enqueued",
		},
		[]string{"kind"},
	)
	// TasksDispatchedTotal counts dispatch outcomes.
	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_tasks_dispatched_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	// RetriesTotal counts retry decisions by failure category.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_retries_total",
			Help: "Total number of retry decisions by category and outcome",
		},
		[]string{"category", "outcome"},
	)
	// LeasesReclaimedTotal counts reclaimed leases.
	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opentiger_leases_reclaimed_total",
			Help: "Total number of leases reclaimed from dead agents",
		},
	)
	// CyclesEndedTotal counts cycle ends by trigger type.
	CyclesEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_cycles_ended_total",
			Help: "Total number of cycles ended by trigger",
		},
		[]string{"trigger"},
	)
	// ReplansTotal counts replan evaluations by outcome.
	ReplansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_replans_total",
			Help: "Total number of replan evaluations by outcome",
		},
		[]string{"outcome"},
	)
	// JudgeVerdictsTotal counts judge verdicts.
	JudgeVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_judge_verdicts_total",
			Help: "Total number of judge verdicts",
		},
		[]string{"verdict"},
	)
	// TasksRunning is a gauge of tasks currently running.
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opentiger_tasks_running",
			Help: "Number of tasks currently running",
		},
	)
	// AnomaliesTotal counts detected anomalies by kind and severity.
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opentiger_anomalies_total",
			Help: "Total number of detected anomalies",
		},
		[]string{"kind", "severity"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all collectors exactly once per process.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			JobsEnqueuedTotal,
			TasksDispatchedTotal,
			RetriesTotal,
			LeasesReclaimedTotal,
			CyclesEndedTotal,
			ReplansTotal,
			JudgeVerdictsTotal,
			TasksRunning,
			AnomaliesTotal,
		)
	})
}

// EnqueueJob records a queue enqueue by kind.
func EnqueueJob(kind string) { JobsEnqueuedTotal.WithLabelValues(kind).Inc() }

// DispatchOutcome records a dispatch attempt result.
func DispatchOutcome(outcome string) { TasksDispatchedTotal.WithLabelValues(outcome).Inc() }

// RetryDecision records a retry-controller decision.
func RetryDecision(category, outcome string) { RetriesTotal.WithLabelValues(category, outcome).Inc() }

// MetricsRouter returns the /metrics and /healthz mux served by daemons.
func MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
