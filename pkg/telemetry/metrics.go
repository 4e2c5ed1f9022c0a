package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Store ───────────────────────────────────────────────────────────────────

	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "store",
		Name:      "tasks_created_total",
		Help:      "Total tasks created.",
	})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "store",
		Name:      "transitions_total",
		Help:      "Accepted status transitions, labelled by the new status name.",
	}, []string{"status"})

	TaskTransitionsNoop = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "store",
		Name:      "transitions_noop_total",
		Help:      "Status changes ignored because the task was already deleted or expired.",
	})

	TaskUpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "store",
		Name:      "updates_rejected_total",
		Help:      "Status updates rejected, labelled by reason.",
	}, []string{"reason"})

	IDAllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "store",
		Name:      "id_allocation_failures_total",
		Help:      "Create calls that could not find a free task id.",
	})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Completed sweep cycles.",
	})

	SweeperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "sweeper",
		Name:      "expired_total",
		Help:      "Tasks transitioned to expired by the sweeper.",
	})

	SweeperPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "sweeper",
		Name:      "purged_total",
		Help:      "Deleted or expired tasks physically removed.",
	})

	SweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tasktracker",
		Subsystem: "sweeper",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one sweep cycle.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// ─── Events & ingest ─────────────────────────────────────────────────────────

	EventsPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Task events that could not be published.",
	})

	StatusReportsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "ingest",
		Name:      "reports_total",
		Help:      "Status reports consumed from Kafka, labelled by outcome.",
	}, []string{"result"})

	// ─── HTTP ────────────────────────────────────────────────────────────────────

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktracker",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Create requests rejected by the per-owner rate limiter.",
	})
)
