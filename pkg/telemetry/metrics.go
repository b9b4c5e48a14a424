// Package telemetry holds the prometheus collectors shared by the queue and
// the dispatch pool, and the optional /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sttq",
		Subsystem: "queue",
		Name:      "transactions_total",
		Help:      "Finished queue transactions, labelled by outcome (published, noop, aborted).",
	}, []string{"outcome"})

	QueueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sttq",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Transaction attempts that failed and backed off, labelled by the failing step.",
	}, []string{"step"})

	JobsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sttq",
		Subsystem: "queue",
		Name:      "jobs_selected_total",
		Help:      "Work items dequeued, labelled by selection policy.",
	}, []string{"policy"})

	// ─── Dispatch ────────────────────────────────────────────────────────────────

	DispatchTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sttq",
		Subsystem: "dispatch",
		Name:      "tasks_total",
		Help:      "Tasks reaching a terminal state, labelled by provider and status.",
	}, []string{"provider", "status"})

	DispatchCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sttq",
		Subsystem: "dispatch",
		Name:      "call_duration_seconds",
		Help:      "Provider call latency in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"provider"})

	DispatchRetired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sttq",
		Subsystem: "dispatch",
		Name:      "providers_retired_total",
		Help:      "Provider workers retired after a failed call.",
	}, []string{"provider"})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sttq",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the shared dispatch queue.",
	})
)
