package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for EventsDropped. Non-retryable persistence failures use the
// error class name as reason.
const (
	ReasonTTLZero          = "ttl_zero"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonRouting          = "routing"
)

var (
	// Throughput metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_events_processed_total",
			Help: "Total number of events taken from the source",
		},
		[]string{"sink"},
	)

	EventsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_events_persisted_total",
			Help: "Total number of events persisted, retries included",
		},
		[]string{"sink"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_events_dropped_total",
			Help: "Total number of events dropped, by reason",
		},
		[]string{"sink", "reason"},
	)

	// Tick metrics
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_ticks_total",
			Help: "Total number of processing ticks by returned status",
		},
		[]string{"sink", "status"},
	)

	// Persistence metrics
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_forward_persist_duration_seconds",
			Help:    "Duration of batch persistence in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink", "backend"},
	)

	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_persist_errors_total",
			Help: "Total number of failed persistence attempts by error class",
		},
		[]string{"sink", "class"},
	)

	// Rollback metrics
	RollbackQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_forward_rollback_queue_depth",
			Help: "Current number of batches awaiting retry",
		},
		[]string{"sink"},
	)

	RollbackRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_forward_rollback_retries_total",
			Help: "Total number of rollback retry attempts by outcome",
		},
		[]string{"sink", "outcome"},
	)

	// Runner metrics
	RunnerBackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_forward_runner_backoff_seconds",
			Help: "Current runner backoff sleep in seconds",
		},
		[]string{"sink"},
	)
)
