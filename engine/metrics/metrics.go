// Package metrics exposes prometheus instruments for the task engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksStarted counts task executions entering in_progress.
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "tasks_started_total",
		Help:      "Number of task executions started.",
	})

	// TasksCompleted counts tasks reaching completed.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "tasks_completed_total",
		Help:      "Number of tasks completed successfully.",
	})

	// TasksFailed counts tasks reaching failed.
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "tasks_failed_total",
		Help:      "Number of tasks that failed.",
	})

	// TasksCancelled counts tasks reaching cancelled.
	TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "tasks_cancelled_total",
		Help:      "Number of tasks cancelled.",
	})

	// TaskDuration observes wall-clock seconds per task execution.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// RunningRoots gauges root trees currently executing.
	RunningRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskforge",
		Subsystem: "scheduler",
		Name:      "running_roots",
		Help:      "Number of root task trees currently executing.",
	})

	// WebhookDeliveries counts webhook posts by outcome (ok, retried, dropped).
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "stream",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)
