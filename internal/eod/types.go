package eod

import "github.com/shopspring/decimal"

// aggRow is one symbol's closed trades for the day.
type aggRow struct {
	Symbol   string
	Trades   int
	Wins     int
	Longs    int
	Shorts   int
	Notional decimal.Decimal // sum of entry price × quantity
	PnL      decimal.Decimal
	Fees     decimal.Decimal
}

func newRow(symbol string) *aggRow {
	return &aggRow{Symbol: symbol, Notional: decimal.Zero, PnL: decimal.Zero, Fees: decimal.Zero}
}

func (r *aggRow) winRate() float64 {
	if r.Trades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Trades) * 100
}
