// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts control loop ticks by result (ok, transient, skipped)
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_ticks_total",
		Help: "Control loop ticks by result",
	}, []string{"result"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_tick_duration_seconds",
		Help:    "Wall time of one control loop tick",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// Rejections counts risk refusals by reason
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_risk_rejections_total",
		Help: "Risk policy rejections by reason",
	}, []string{"reason"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_orders_submitted_total",
		Help: "Orders submitted to the exchange by purpose",
	}, []string{"purpose"})

	// FillsTotal counts fill events by outcome (applied, duplicate, orphan)
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_fills_total",
		Help: "Exchange fills seen by outcome",
	}, []string{"outcome"})

	ReconcileMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_reconcile_mismatches_total",
		Help: "Local vs exchange discrepancies resolved in favour of the exchange",
	}, []string{"discrepancy"})

	OracleHolds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_oracle_forced_holds_total",
		Help: "Oracle actions replaced by hold during decoding",
	}, []string{"symbol"})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_equity",
		Help: "Account equity at the last tick",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_open_positions",
		Help: "Positions not in FLAT state",
	})

	UnrealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_unrealized_pnl",
		Help: "Unrealized PnL per symbol",
	}, []string{"symbol"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
