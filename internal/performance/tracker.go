// Package performance keeps the equity curve and closed trades and derives
// return, Sharpe, drawdown and win rate from them on demand.
package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/types"
)

// ErrNonMonotonic is returned when an equity tick is not strictly later
// than the previous one.
var ErrNonMonotonic = errors.New("equity timestamp not after previous record")

// Ledger is the durable append-only store behind the tracker.
type Ledger interface {
	AppendRecord(rec types.PerformanceRecord) error
	AppendTrade(tr types.TradeResult) error
}

// Sink mirrors equity records somewhere else, e.g. a time series database.
// Sink failures never fail a tick.
type Sink interface {
	WriteRecord(ctx context.Context, rec types.PerformanceRecord) error
}

type Tracker struct {
	mu             sync.Mutex
	initial        float64
	periodsPerYear float64
	ledger         Ledger
	sinks          []Sink
	now            func() time.Time

	records  []types.PerformanceRecord
	trades   []types.TradeResult
	realized decimal.Decimal
	fees     decimal.Decimal
	// totals as of the last equity record
	recRealized decimal.Decimal
	recFees     decimal.Decimal
}

// NewTracker creates an empty tracker. ledger may be nil for in-memory use.
func NewTracker(initialCapital float64, periodsPerYear float64, ledger Ledger, sinks ...Sink) *Tracker {
	return &Tracker{
		initial:        initialCapital,
		periodsPerYear: periodsPerYear,
		ledger:         ledger,
		sinks:          sinks,
		now:            time.Now,
		realized:       decimal.Zero,
		fees:           decimal.Zero,
		recRealized:    decimal.Zero,
		recFees:        decimal.Zero,
	}
}

// RecordTick appends one equity point. The ledger write happens first; on
// failure nothing changes in memory.
func (t *Tracker) RecordTick(ctx context.Context, equity float64, ts time.Time) error {
	t.mu.Lock()
	if n := len(t.records); n > 0 && !ts.After(t.records[n-1].Time) {
		last := t.records[n-1].Time
		t.mu.Unlock()
		return errs.Rejection("performance.RecordTick", fmt.Errorf("%s <= %s: %w", ts.Format(time.RFC3339), last.Format(time.RFC3339), ErrNonMonotonic))
	}
	rec := types.PerformanceRecord{
		Time:          ts,
		Equity:        equity,
		RealizedDelta: t.realized.Sub(t.recRealized).InexactFloat64(),
		FeesDelta:     t.fees.Sub(t.recFees).InexactFloat64(),
	}
	if t.ledger != nil {
		if err := t.ledger.AppendRecord(rec); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.records = append(t.records, rec)
	t.recRealized, t.recFees = t.realized, t.fees
	sinks := t.sinks
	t.mu.Unlock()

	for _, s := range sinks {
		if err := s.WriteRecord(ctx, rec); err != nil {
			logger.Warn(ctx, "Equity sink write failed", "error", err)
		}
	}
	return nil
}

// RecordRealizedPnL books a realized amount that did not come from a tracked
// position close.
func (t *Tracker) RecordRealizedPnL(ctx context.Context, amount, fees float64) error {
	return t.RecordTrade(ctx, types.TradeResult{PnL: amount, Fees: fees, Reason: "adjustment", ClosedAt: t.now()})
}

// RecordTrade books a closed trade. The position manager calls it exactly
// once per close.
func (t *Tracker) RecordTrade(ctx context.Context, tr types.TradeResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ledger != nil {
		if err := t.ledger.AppendTrade(tr); err != nil {
			return err
		}
	}
	t.applyTrade(tr)
	logger.Info(ctx, "Trade recorded",
		"symbol", tr.Symbol,
		"pnl", tr.PnL,
		"fees", tr.Fees,
		"realized_total", t.realized.InexactFloat64(),
	)
	return nil
}

func (t *Tracker) applyTrade(tr types.TradeResult) {
	t.trades = append(t.trades, tr)
	t.realized = t.realized.Add(decimal.NewFromFloat(tr.PnL))
	t.fees = t.fees.Add(decimal.NewFromFloat(tr.Fees))
}

// Snapshot returns the latest equity record, or one at initial capital when
// nothing was recorded yet.
func (t *Tracker) Snapshot() types.PerformanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.records); n > 0 {
		return t.records[n-1]
	}
	return types.PerformanceRecord{Equity: t.initial, RealizedDelta: t.realized.InexactFloat64(), FeesDelta: t.fees.InexactFloat64()}
}

func (t *Tracker) Stats() types.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Compute(t.initial, t.records, t.trades, t.periodsPerYear)
}

func (t *Tracker) Records() []types.PerformanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.PerformanceRecord(nil), t.records...)
}

func (t *Tracker) Trades() []types.TradeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.TradeResult(nil), t.trades...)
}

// RealizedSince sums realized PnL of trades closed at or after since.
func (t *Tracker) RealizedSince(since time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := decimal.Zero
	for _, tr := range t.trades {
		if !tr.ClosedAt.Before(since) {
			sum = sum.Add(decimal.NewFromFloat(tr.PnL))
		}
	}
	return sum.InexactFloat64()
}

// Replay rebuilds the tracker from a ledger file without writing to it.
// Out-of-order equity lines are dropped.
func (t *Tracker) Replay(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records, t.trades = nil, nil
	t.realized, t.fees = decimal.Zero, decimal.Zero
	t.recRealized, t.recFees = decimal.Zero, decimal.Zero

	err := persist.ReadLedger(path, func(e persist.LedgerEntry) error {
		switch {
		case e.Kind == persist.EntryEquity && e.Equity != nil:
			if n := len(t.records); n > 0 && !e.Equity.Time.After(t.records[n-1].Time) {
				return nil
			}
			t.records = append(t.records, *e.Equity)
			t.recRealized, t.recFees = t.realized, t.fees
		case e.Kind == persist.EntryTrade && e.Trade != nil:
			t.applyTrade(*e.Trade)
		}
		return nil
	})
	if err != nil {
		return errs.Fatal("performance.Replay", err)
	}
	return nil
}
