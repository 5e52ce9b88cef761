// Package metrics registers the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_orders_submitted_total",
			Help: "Total number of orders submitted to the exchange (by kind).",
		},
		[]string{"kind"},
	)

	EntriesBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_entries_blocked_total",
			Help: "Entry intents rejected by the admission pipeline (by reason).",
		},
		[]string{"reason"},
	)

	StopLossUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_stop_loss_updates_total",
			Help: "Favorable strategic stop-loss moves applied.",
		},
	)

	WatchTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_watch_triggers_total",
			Help: "Watch rules transitioned ACTIVE to TRIGGERED.",
		},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_positions_open",
			Help: "Current number of open positions.",
		},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_equity_usd",
			Help: "Last known account equity in USD.",
		},
	)

	CandleCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_candle_closes_total",
			Help: "Confirmed candle closes processed (by timeframe).",
		},
		[]string{"timeframe"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		EntriesBlocked,
		StopLossUpdates,
		WatchTriggers,
		PositionsOpen,
		EquityGauge,
		CandleCloses,
	)
}
