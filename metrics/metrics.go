package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_queue_overflow_total",
			Help: "Total number of adds that hit a full queue",
		},
		[]string{"queue", "policy"},
	)

	QueueItemsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_queue_items_dropped_total",
			Help: "Total number of items dropped by the drop_oldest policy",
		},
		[]string{"queue"},
	)

	QueueItemsMovedToDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_queue_items_moved_to_dlq_total",
			Help: "Total number of items moved to the overflow dead-letter list",
		},
		[]string{"queue"},
	)

	QueueRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_queue_rejections_total",
			Help: "Total number of adds rejected by the reject policy",
		},
		[]string{"queue"},
	)

	QueuePressureWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_queue_pressure_warnings_total",
			Help: "Total number of adds observed above the backpressure threshold",
		},
		[]string{"queue"},
	)

	QueueFillRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hsi_queue_fill_ratio",
			Help: "Last observed queue length divided by its max size",
		},
		[]string{"queue"},
	)

	PayloadDecodeFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hsi_payload_decode_fallbacks_total",
			Help: "Total number of payloads returned as raw strings because they were not valid JSON",
		},
	)

	ConnectionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_connection_attempts_total",
			Help: "Total number of connection attempts to the store",
		},
		[]string{"result"},
	)

	OperationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_operation_retries_total",
			Help: "Total number of retried store operations",
		},
		[]string{"operation"},
	)

	ScriptReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_script_reloads_total",
			Help: "Total number of script reloads after NOSCRIPT",
		},
		[]string{"script"},
	)

	ScriptErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_script_errors_total",
			Help: "Total number of failed atomic script executions",
		},
		[]string{"script"},
	)

	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_rate_limit_decisions_total",
			Help: "Total number of sliding-window rate limit decisions",
		},
		[]string{"result"},
	)

	StreamMessagesAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_stream_messages_acked_total",
			Help: "Total number of acknowledged stream entries",
		},
		[]string{"stream"},
	)

	StreamMessagesClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_stream_messages_claimed_total",
			Help: "Total number of stale stream entries reclaimed",
		},
		[]string{"stream"},
	)

	StreamDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_stream_dead_lettered_total",
			Help: "Total number of stream entries moved to the dead-letter stream",
		},
		[]string{"stream", "reason"},
	)

	DegradationMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsi_degradation_mode",
			Help: "Current degradation mode (0=normal, 1=degraded, 2=minimal)",
		},
	)

	DegradationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_degradation_transitions_total",
			Help: "Total number of degradation mode transitions",
		},
		[]string{"from", "to"},
	)

	ServiceHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_service_health_checks_total",
			Help: "Total number of service health updates",
		},
		[]string{"service", "status"},
	)

	FallbackQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_fallback_queued_total",
			Help: "Total number of items written to a local fallback queue",
		},
		[]string{"queue", "backend"},
	)

	FallbackDrainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_fallback_drained_total",
			Help: "Total number of fallback items re-added to the store",
		},
		[]string{"queue"},
	)

	FallbackEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_fallback_evicted_total",
			Help: "Total number of fallback items evicted because the local queue was full",
		},
		[]string{"queue", "backend"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"},
	)

	CacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsi_cache_errors_total",
			Help: "Total number of cache errors by operation",
		},
		[]string{"operation"},
	)
)
