package performance

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/types"
)

// PeriodsPerYear converts a sampling interval into the annualisation factor
// used by Sharpe.
func PeriodsPerYear(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(interval)
}

// Returns are simple per-period returns of an equity curve. Periods that
// start from non-positive equity are skipped.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// Sharpe is mean/stddev of per-period returns × √periodsPerYear, with the
// population standard deviation. It is 0 with fewer than two points or a
// flat curve.
func Sharpe(equity []float64, periodsPerYear float64) float64 {
	r := Returns(equity)
	if len(r) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r {
		sum += v
	}
	mean := sum / float64(len(r))
	var ss float64
	for _, v := range r {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(r)))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// MaxDrawdown is the largest (peak − trough)/peak seen scanning left to
// right with a running peak.
func MaxDrawdown(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	peak := equity[0]
	var worst float64
	for _, v := range equity[1:] {
		if v > peak {
			peak = v
			continue
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// WinRate is the percentage of trades with positive realized PnL. No trades
// gives 0.
func WinRate(trades []types.TradeResult) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades)) * 100
}

// Compute derives all statistics from the ledger contents.
func Compute(initial float64, records []types.PerformanceRecord, trades []types.TradeResult, periodsPerYear float64) types.Stats {
	equity := make([]float64, len(records))
	for i, r := range records {
		equity[i] = r.Equity
	}
	realized, fees := decimal.Zero, decimal.Zero
	for _, t := range trades {
		realized = realized.Add(decimal.NewFromFloat(t.PnL))
		fees = fees.Add(decimal.NewFromFloat(t.Fees))
	}

	st := types.Stats{
		InitialCapital: initial,
		Equity:         initial,
		Sharpe:         Sharpe(equity, periodsPerYear),
		MaxDrawdown:    MaxDrawdown(equity),
		WinRate:        WinRate(trades),
		Trades:         len(trades),
		RealizedPnL:    realized.InexactFloat64(),
		Fees:           fees.InexactFloat64(),
		Records:        len(records),
	}
	if len(equity) > 0 {
		st.Equity = equity[len(equity)-1]
	}
	if initial > 0 {
		st.TotalReturnPct = decimal.NewFromFloat(st.Equity).
			Div(decimal.NewFromFloat(initial)).
			Sub(decimal.NewFromInt(1)).
			Mul(decimal.NewFromInt(100)).
			InexactFloat64()
	}
	return st
}
