// Package metrics provides Prometheus metrics definitions for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldsync"

var (
	// ActionsEnqueued counts actions added to the durable queue, by entity.
	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "actions_enqueued_total",
			Help:      "Pending actions enqueued for later replay",
		},
		[]string{"entity"},
	)

	// PendingActions tracks the current unresolved queue depth.
	PendingActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_actions",
			Help:      "Unresolved actions currently in the queue",
		},
	)

	// ReplayAttempts counts individual replay attempts against the remote API.
	ReplayAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replay_attempts_total",
			Help:      "Replay attempts issued, including retries",
		},
	)

	// ReplayResults counts attempt outcomes: success, retry, exhausted.
	ReplayResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replay_results_total",
			Help:      "Replay attempt outcomes",
		},
		[]string{"result"},
	)

	// SyncPassDuration observes the wall time of a full synchronization pass.
	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a synchronization pass in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
	)
)

// Attempt outcome label values for ReplayResults.
const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultExhausted = "exhausted"
)
