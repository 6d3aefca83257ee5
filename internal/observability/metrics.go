// Package observability holds the Prometheus metric families exported on
// /metrics, plus logger construction.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDenials counts resource gate denials by workload class and reason.
	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_gate_denials_total",
		Help: "Resource gate denials by workload class and reason",
	}, []string{"class", "reason"})

	// DailySpendUSD tracks today's autonomous spend as seen by the gate.
	DailySpendUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autonomy_daily_spend_usd",
		Help: "Autonomous spend recorded against today's budget",
	})

	// IdleState reports the debounced idle signal (1 = idle).
	IdleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autonomy_idle_state",
		Help: "Debounced system idle signal (1 = idle, 0 = busy)",
	})

	// LockOutcomes counts lock acquisitions by lock kind and result.
	LockOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_lock_outcomes_total",
		Help: "Distributed lock acquisition outcomes",
	}, []string{"kind", "outcome"}) // outcome: acquired, unavailable, error

	// JobFires counts scheduler fires by handler and result.
	JobFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_job_fires_total",
		Help: "Scheduled job fires by handler and result",
	}, []string{"handler", "result"}) // result: ok, error, skipped, lock_denied

	// JobDuration tracks handler run time per fire.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autonomy_job_duration_seconds",
		Help:    "Scheduled job handler duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"handler"})

	// TaskRuntime tracks task handler execution time.
	TaskRuntime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autonomy_task_runtime_seconds",
		Help:    "Task handler execution time by task type",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"task_type"})

	// TaskOutcomes counts task completions by type and status.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_task_outcomes_total",
		Help: "Task executor outcomes by task type and status",
	}, []string{"task_type", "status"})

	// TaskRetries counts retryable task failures that were re-enqueued.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autonomy_task_retries_total",
		Help: "Tasks re-enqueued after a retryable failure",
	})

	// GoalsGenerated counts generated goals by goal type and disposition.
	GoalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_goals_generated_total",
		Help: "Goal generator output by goal type and disposition",
	}, []string{"goal_type", "disposition"}) // disposition: kept, discarded, capped

	// Approvals counts approval decisions.
	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_approvals_total",
		Help: "Approval workflow decisions",
	}, []string{"decision"}) // approved, rejected, idempotent_replay

	// OutcomesMeasured counts delayed outcome measurements.
	OutcomesMeasured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_outcomes_measured_total",
		Help: "Delayed goal outcome measurements by goal type",
	}, []string{"goal_type"})

	// CollaboratorCalls counts outbound collaborator calls by service and result.
	CollaboratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_collaborator_calls_total",
		Help: "Collaborator adapter calls by service and result code",
	}, []string{"service", "result"})

	// CollaboratorLatency tracks collaborator round-trip time.
	CollaboratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autonomy_collaborator_latency_seconds",
		Help:    "Collaborator adapter round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"service"})

	// LedgerEntries counts budget ledger inserts by category.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_ledger_entries_total",
		Help: "Budget ledger rows inserted by category",
	}, []string{"category"})

	// APIRateLimited counts API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autonomy_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	}, []string{"endpoint"})
)
