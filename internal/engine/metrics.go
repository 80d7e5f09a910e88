package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpbot",
		Name:      "ticks_processed_total",
		Help:      "Price ticks applied to the ledger, by symbol.",
	}, []string{"symbol"})

	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpbot",
		Name:      "decisions_total",
		Help:      "Decision service calls, by outcome (hold, open, close, error).",
	}, []string{"outcome"})

	metricAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpbot",
		Name:      "margin_alerts_total",
		Help:      "Margin alerts raised, by severity.",
	}, []string{"severity"})

	metricLiquidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpbot",
		Name:      "liquidations_total",
		Help:      "Positions liquidated.",
	})

	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpbot",
		Name:      "open_positions",
		Help:      "Currently open positions.",
	})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpbot",
		Name:      "wake_queue_depth",
		Help:      "Profiles with a pending wake-up.",
	})

	metricStaleQuotes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpbot",
		Name:      "stale_quote_suppressions_total",
		Help:      "Monitor evaluations suppressed because the quote was stale.",
	})
)
