// ABOUTME: Prometheus metrics for the message pipeline.
// ABOUTME: Watcher throughput, fanout deliveries, and pending-request pressure.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Watcher metrics
	WatcherEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xians_watcher_events_total",
			Help: "Change-stream events observed",
		},
	)

	WatcherRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xians_watcher_restarts_total",
			Help: "Watcher restarts after an error",
		},
		[]string{"cause"}, // "transient" or "unexpected"
	)

	// Fanout metrics
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xians_broadcasts_total",
			Help: "Group deliveries attempted",
		},
		[]string{"event"},
	)

	BroadcastErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xians_broadcast_errors_total",
			Help: "Group deliveries that returned an error",
		},
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xians_duplicates_suppressed_total",
			Help: "Change events skipped because the message id was already seen",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xians_stream_subscribers",
			Help: "Registered streaming subscribers",
		},
	)

	// Correlator metrics
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xians_pending_requests",
			Help: "Synchronous callers awaiting a workflow reply",
		},
	)

	// Bridge metrics
	BridgeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xians_bridge_calls_total",
			Help: "Synchronous bridge calls by outcome",
		},
		[]string{"outcome"}, // "ok", "validation", "timeout", "error"
	)

	BridgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xians_bridge_duration_seconds",
			Help:    "End-to-end bridge call duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)
