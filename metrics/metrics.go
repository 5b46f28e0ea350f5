// Package metrics holds the Prometheus collectors of the grid bot.
//
// They are registered in init() and served by the API server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	// OrdersPlaced counts accepted orders by side (BUY|SELL) and kind (entry|exit)
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_orders_placed_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"side", "kind"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_orders_failed_total",
			Help: "Order placements that failed",
		},
		[]string{"side", "kind"},
	)

	// Fills counts processed fills by kind (entry|exit|partial|late_exit)
	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_fills_total",
			Help: "Fills folded into the ledger",
		},
		[]string{"kind"},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "astergrid_realized_pnl",
			Help: "Realized PnL of the session in margin asset",
		},
	)

	UnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "astergrid_unrealized_pnl",
			Help: "Unrealized PnL reported by the exchange",
		},
	)

	DrawdownPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "astergrid_drawdown_percent",
			Help: "Drawdown from the initial balance",
		},
	)

	PositionsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "astergrid_positions_held",
			Help: "Rungs holding a position",
		},
	)

	// RiskVerdicts counts circuit breaker outcomes (continue|pause|shutdown)
	RiskVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_risk_verdicts_total",
			Help: "Risk monitor verdicts",
		},
		[]string{"verdict"},
	)

	ExchangeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_exchange_retries_total",
			Help: "Retried exchange calls by operation",
		},
		[]string{"op"},
	)

	// Events counts push events by kind and outcome (applied|dropped|invalid)
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astergrid_events_total",
			Help: "Push events consumed",
		},
		[]string{"kind", "outcome"},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "astergrid_stream_reconnects_total",
			Help: "User data stream reconnections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersFailed,
		Fills,
		RealizedPnL,
		UnrealizedPnL,
		DrawdownPercent,
		PositionsHeld,
		RiskVerdicts,
		ExchangeRetries,
		Events,
		StreamReconnects,
	)
}

// SetDecimal sets a gauge from an exact decimal
func SetDecimal(g prometheus.Gauge, d decimal.Decimal) {
	f, _ := d.Float64()
	g.Set(f)
}
