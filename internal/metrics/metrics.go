package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms, partitioned by program label.

var (
	// Parser
	LogLinesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "parser",
		Name:      "lines_total",
		Help:      "Total log lines inspected by the parser",
	}, []string{"program"})

	EventsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "parser",
		Name:      "events_total",
		Help:      "Total domain events produced from log lines",
	}, []string{"program", "kind"})

	LogLinesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "parser",
		Name:      "malformed_total",
		Help:      "Log lines with an event marker but an undecodable payload",
	}, []string{"program", "kind"})

	// Subscription
	SubscriptionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "subscription",
		Name:      "status",
		Help:      "Subscription state per program (0=disconnected, 1=connecting, 2=subscribed)",
	}, []string{"program"})

	SubscriptionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "subscription",
		Name:      "reconnects_total",
		Help:      "Total reconnect attempts after a stream failure",
	}, []string{"program"})

	SubscriptionBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "subscription",
		Name:      "batches_total",
		Help:      "Total raw log batches dispatched from the stream",
	}, []string{"program"})

	SubscriptionLastSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "subscription",
		Name:      "last_processed_slot",
		Help:      "Last slot dispatched per program",
	}, []string{"program"})

	SubscriptionFailedTxSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "subscription",
		Name:      "failed_tx_skipped_total",
		Help:      "Batches from failed transactions that were not dispatched",
	}, []string{"program"})

	// Delivery
	EnvelopesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "envelopes_total",
		Help:      "Total envelopes handed to the delivery pipeline",
	}, []string{"kind", "source"})

	SinkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "sink_outcomes_total",
		Help:      "Per-sink delivery outcomes",
	}, []string{"sink", "status"})

	SinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "sink_duration_seconds",
		Help:      "Per-sink delivery duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"sink"})

	SinkCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "sink_circuit_state",
		Help:      "Sink circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"sink"})

	SinkQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "sink_queue_depth",
		Help:      "Envelopes waiting in a sink's ordered queue",
	}, []string{"sink"})

	NotificationsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "notifications_deduplicated_total",
		Help:      "Envelopes the notification sink had already handled",
	})

	DedupClaimsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "dedup_claims_evicted_total",
		Help:      "Live in-process dedup claims dropped because the set was full",
	})

	PayloadSchemaViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "delivery",
		Name:      "payload_schema_violations_total",
		Help:      "Stored payloads that did not match the expected shape for their kind",
	}, []string{"kind"})

	// Reconciler
	ReconcileTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Total reconciler ticks by result",
	}, []string{"result"})

	ReconcileGapSlots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "gap_slots_total",
		Help:      "Total slots re-derived by the reconciler",
	})

	ReconcileEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "envelopes_total",
		Help:      "Envelopes re-derived and redelivered by the reconciler",
	})

	ReconcileCursorSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "cursor_slot",
		Help:      "Current reconciler cursor slot",
	})

	ReconcileHeadSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "head_slot",
		Help:      "Chain head slot observed at the last tick",
	})

	ReconcileTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Reconciler tick duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times an RPC call waited on the rate limiter",
	}, []string{"endpoint"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"type"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open database connections",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Database connections in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "idle",
		Help:      "Idle database connections",
	})
)
