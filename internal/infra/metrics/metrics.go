// Package metrics provides Prometheus metrics for autostudy.
// Counters, gauges and histograms for the task lifecycle, retries, crash
// recovery, resource locks and store maintenance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autostudy"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated tracks created tasks by type.
var TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_created_total",
	Help:      "Total tasks created.",
}, []string{"type"})

// TaskTransitions tracks status changes by type and edge.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_transitions_total",
	Help:      "Total task status transitions.",
}, []string{"type", "from", "to"})

// TaskFailures tracks failed attempts and terminal failures.
var TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_failures_total",
	Help:      "Total task failures by mode (attempt or terminal).",
}, []string{"type", "mode"})

// TasksQuarantined tracks malformed task rows moved aside.
var TasksQuarantined = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_quarantined_total",
	Help:      "Total malformed task records quarantined.",
})

// TasksPurged tracks tasks removed by retention cleanup.
var TasksPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_purged_total",
	Help:      "Total terminal tasks purged by retention cleanup.",
})

// TasksActive tracks tasks currently executing in the runner.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of tasks currently executing.",
})

// ─── Retries ────────────────────────────────────────────────────────────────

// RetryAttempts tracks failed attempts seen by the retry controller.
var RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "retry_attempts_total",
	Help:      "Total failed attempts observed by the retry controller.",
}, []string{"class"})

// RetryExhausted tracks operations that ran out of attempts.
var RetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "retry_exhausted_total",
	Help:      "Total operations that exhausted their retry policy.",
}, []string{"class"})

// RetryDelay tracks the backoff applied between attempts.
var RetryDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "retry_delay_seconds",
	Help:      "Backoff delay applied before the next attempt.",
	Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
}, []string{"class"})

// ─── Recovery ───────────────────────────────────────────────────────────────

// RecoverySessions tracks crash recovery passes by kind.
var RecoverySessions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "recovery_sessions_total",
	Help:      "Total recovery sessions run.",
}, []string{"kind"})

// RecoveryOutcomes tracks per-task reconciliation results.
var RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "recovery_task_outcomes_total",
	Help:      "Per-task reconciliation outcomes (recovered or failed).",
}, []string{"outcome"})

// LocksHeld tracks resource locks held by this process.
var LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "locks_held",
	Help:      "Number of resource locks held by this process.",
})

// LockContention tracks acquisitions rejected with LockHeld.
var LockContention = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "lock_contention_total",
	Help:      "Total lock acquisitions rejected because another live process holds the lock.",
})

// StaleLocksReclaimed tracks locks reclaimed from dead owners.
var StaleLocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "stale_locks_reclaimed_total",
	Help:      "Total locks reclaimed from owners that are no longer live.",
})

// ─── Store ──────────────────────────────────────────────────────────────────

// StoreTxDuration tracks task-manager transaction latency by operation.
var StoreTxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "store_tx_duration_seconds",
	Help:      "Duration of task-manager store transactions.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5},
}, []string{"op"})

// MaintenanceRuns tracks backup, compact and cleanup runs.
var MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "maintenance_runs_total",
	Help:      "Total maintenance operations by kind and result.",
}, []string{"op", "result"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus reports each health check (1 healthy, 0 failing).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check status (1 healthy, 0 failing).",
}, []string{"check"})
