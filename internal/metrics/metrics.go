// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskguard"

// ============ monitor ============

// MonitorCycles counts completed monitor cycles.
var MonitorCycles = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "cycles_total",
	Help:      "Completed position monitor cycles",
})

// MonitorCycleSeconds tracks monitor cycle duration.
var MonitorCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "cycle_seconds",
	Help:      "Duration of a monitor cycle",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
})

// ExitTriggers counts exit triggers by reason.
var ExitTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "exit_triggers_total",
	Help:      "Exit conditions hit, by reason",
}, []string{"reason"})

// PriceLookups counts price resolutions by source (cache, fetch, error).
var PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "price_lookups_total",
	Help:      "Price resolutions by outcome",
}, []string{"outcome"})

// OpenPositions is the number of positions in the book.
var OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "open_positions",
	Help:      "Positions currently guarded",
})

// ============ adjuster ============

// Adjustments counts adjustment attempts by reason and result.
var Adjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "adjuster",
	Name:      "attempts_total",
	Help:      "Adjustment attempts by reason and result",
}, []string{"reason", "result"})

// DetachedPositions is the number of positions waiting for order recovery.
var DetachedPositions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "adjuster",
	Name:      "detached_positions",
	Help:      "Positions whose protective orders are not live",
})

// ============ gateway ============

// GatewayCalls counts gateway calls by operation and result.
var GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "calls_total",
	Help:      "Execution gateway calls by operation and result",
}, []string{"op", "result"})

// GatewayLatency tracks gateway call latency per operation, retries included.
var GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "call_seconds",
	Help:      "Execution gateway call latency including retries",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
}, []string{"op"})

// ============ breaker ============

// BreakerPhase is 0 ARMED, 1 REACTIVATING, 2 TRIPPED.
var BreakerPhase = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "breaker",
	Name:      "phase",
	Help:      "Circuit breaker phase (0 armed, 1 reactivating, 2 tripped)",
})

// BreakerTrips counts transitions into TRIPPED.
var BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "breaker",
	Name:      "trips_total",
	Help:      "Transitions into TRIPPED",
})

// ============ feed ============

// FeedTicks counts price ticks applied from the websocket feed.
var FeedTicks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "feed",
	Name:      "ticks_total",
	Help:      "Price ticks applied from the websocket feed",
})

// FeedReconnects counts websocket feed reconnect attempts.
var FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "feed",
	Name:      "reconnects_total",
	Help:      "Websocket price feed reconnects",
})
