// Package metrics holds the Prometheus collectors shared by the pipeline
// stages. Collectors register on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "candle_break"

// ============ Finder ============

// PatternsDetected counts detector events by kind, direction and what became of them.
var PatternsDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "finder",
		Name:      "patterns_detected_total",
		Help:      "Pattern events by kind, direction and outcome",
	},
	[]string{"kind", "direction", "outcome"},
)

// BarsSkipped counts malformed bars dropped before detection.
var BarsSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "finder",
		Name:      "bars_skipped_total",
		Help:      "Malformed or out-of-order bars skipped",
	},
	[]string{"symbol", "timeframe"},
)

// ============ Status processor ============

// StatusTransitions counts lifecycle transitions applied by the status processor.
var StatusTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "status",
		Name:      "transitions_total",
		Help:      "Opportunity status transitions",
	},
	[]string{"from", "to"},
)

// ShardDuration observes how long a status shard takes.
var ShardDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "status",
		Name:      "shard_duration_seconds",
		Help:      "Wall time to process one shard of opportunities",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)

// ============ Simulator ============

// PositionsOpened counts simulated entries.
var PositionsOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "simulator",
		Name:      "positions_opened_total",
		Help:      "Simulated positions opened",
	},
	[]string{"timeframe", "side"},
)

// PositionsClosed counts simulated exits by reason.
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "simulator",
		Name:      "positions_closed_total",
		Help:      "Simulated positions closed",
	},
	[]string{"timeframe", "reason"},
)

// Bankroll is the latest simulated free bankroll.
var Bankroll = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "simulator",
		Name:      "bankroll",
		Help:      "Free bankroll after the last processed step",
	},
)

// CheckpointsSaved counts checkpoints by backend and result.
var CheckpointsSaved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "simulator",
		Name:      "checkpoints_total",
		Help:      "Checkpoint writes by backend and result",
	},
	[]string{"backend", "result"},
)

// ============ Delivery ============

// AlertsDelivered counts notifier sends by provider and result.
var AlertsDelivered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "alerts_total",
		Help:      "Alert deliveries by provider and result",
	},
	[]string{"provider", "result"},
)

// KlineRequests counts exchange kline requests by result.
var KlineRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "binance",
		Name:      "kline_requests_total",
		Help:      "Kline page requests by result",
	},
	[]string{"result"},
)

// ============ API ============

// APIRequests counts HTTP requests by route and status code.
var APIRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP API requests by route and status",
	},
	[]string{"method", "route", "status"},
)

// WebSocketClients tracks connected stream clients.
var WebSocketClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_clients",
		Help:      "Connected websocket clients",
	},
)
