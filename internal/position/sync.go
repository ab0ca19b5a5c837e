package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/metrics"
	"llm-perp-agent/internal/types"
)

// fillLookback is how far before an order's submission fills are polled
// from, to absorb clock skew with the venue.
const fillLookback = time.Minute

// Discrepancies reported by Reconcile.
const (
	ClosedOnExchange  = "closed_on_exchange"
	EntryGone         = "entry_gone"
	QuantityDrift     = "quantity_drift"
	DirectionDrift    = "direction_drift"
	UnknownOnExchange = "unknown_on_exchange"
)

// Mismatch is one difference between the local book and the exchange,
// already resolved in the exchange's favour.
type Mismatch struct {
	Symbol      string  `json:"symbol"`
	Discrepancy string  `json:"discrepancy"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Err         error   `json:"-"`
}

// Sync pulls new fills and order states for every non-flat symbol. Stale
// pending entries are cancelled and failed close orders resubmitted.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []error
	for _, sym := range m.symbolsLocked() {
		if err := m.syncSymbolLocked(ctx, sym); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", sym, err))
		}
	}
	return errs.Transient("position.Sync", errors.Join(failed...))
}

func (m *Manager) symbolsLocked() []string {
	out := make([]string, 0, len(m.book))
	for s := range m.book {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) syncSymbolLocked(ctx context.Context, sym string) error {
	p, ok := m.book[sym]
	if !ok {
		return nil
	}
	if p.PendingTrade != nil {
		return m.recordPendingLocked(ctx, p)
	}

	since := m.cursors[sym]
	if since.IsZero() {
		since = p.PendingSince.Add(-fillLookback)
	}
	fills, err := m.ex.Fills(ctx, sym, since)
	if err != nil {
		return err
	}
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].Time.Equal(fills[j].Time) {
			return fills[i].ID < fills[j].ID
		}
		return fills[i].Time.Before(fills[j].Time)
	})
	for _, f := range fills {
		if err := m.applyFillLocked(ctx, f); err != nil {
			return err
		}
		// same-instant fills are re-read next time and deduplicated
		if f.Time.After(m.cursors[sym]) {
			m.cursors[sym] = f.Time
		}
	}

	p, ok = m.book[sym]
	if !ok {
		return nil
	}

	switch p.State {
	case types.StatePendingOpen:
		ack, err := m.ex.OrderStatus(ctx, sym, p.EntryOrderID)
		if err != nil {
			return err
		}
		m.applyOrderLocked(ctx, p, ack)
		if _, still := m.book[sym]; !still || p.State != types.StatePendingOpen {
			return nil
		}
		if !p.CancelRequested && m.opt.Now().Sub(p.PendingSince) > m.opt.PendingTimeout {
			logger.Warn(ctx, "Entry pending too long, cancelling",
				"symbol", sym,
				"order_id", p.EntryOrderID,
				"pending_since", p.PendingSince,
			)
			return m.cancelEntryLocked(ctx, p)
		}
	case types.StateOpen:
		if !p.WaitForFill {
			return nil
		}
		ack, err := m.ex.OrderStatus(ctx, sym, p.EntryOrderID)
		if err != nil {
			return err
		}
		m.applyOrderLocked(ctx, p, ack)
		if p.WaitForFill && !p.CancelRequested && m.opt.Now().Sub(p.PendingSince) > m.opt.PendingTimeout {
			logger.Warn(ctx, "Entry remainder pending too long, cancelling",
				"symbol", sym,
				"order_id", p.EntryOrderID,
				"filled", p.AbsQty(),
				"target", p.TargetQty,
			)
			return m.cancelEntryLocked(ctx, p)
		}
	case types.StatePendingClose:
		if p.CloseOrderID == "" {
			return m.submitCloseLocked(ctx, p)
		}
		ack, err := m.ex.OrderStatus(ctx, sym, p.CloseOrderID)
		if err != nil {
			return err
		}
		m.applyOrderLocked(ctx, p, ack)
	}
	return nil
}

// Reconcile compares the book with the exchange's open positions and makes
// the book match. Each discrepancy is returned once.
func (m *Manager) Reconcile(ctx context.Context) ([]Mismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remote, err := m.ex.OpenPositions(ctx)
	if err != nil {
		return nil, errs.Transient("position.Reconcile", err)
	}
	byKey := make(map[string]types.ExchangePosition, len(remote))
	for _, xp := range remote {
		if xp.Quantity != 0 {
			byKey[xp.Symbol] = xp
		}
	}

	var out []Mismatch
	report := func(sym, disc string, local, exch float64) {
		out = append(out, Mismatch{
			Symbol:      sym,
			Discrepancy: disc,
			LocalQty:    local,
			ExchangeQty: exch,
			Err:         errs.Mismatch("position.Reconcile", fmt.Errorf("%s: %s local %g exchange %g", sym, disc, local, exch)),
		})
		metrics.ReconcileMismatches.WithLabelValues(disc).Inc()
		logger.Reconcile(ctx, sym, disc, "local_qty", local, "exchange_qty", exch)
	}

	for _, sym := range m.symbolsLocked() {
		p := m.book[sym]
		if p.PendingTrade != nil {
			// already flat; only the ledger write is outstanding
			if err := m.recordPendingLocked(ctx, p); err != nil {
				logger.Warn(ctx, "Pending trade still unrecorded", "symbol", sym, "error", err)
			}
			continue
		}
		xp, ok := byKey[sym]
		if !ok {
			if p.State == types.StatePendingOpen && p.Quantity == 0 {
				if m.entryWorkingLocked(ctx, p) {
					continue
				}
				report(sym, EntryGone, 0, 0)
			} else {
				report(sym, ClosedOnExchange, p.Quantity, 0)
			}
			delete(m.book, sym)
			metrics.UnrealizedPnL.DeleteLabelValues(sym)
			m.cancelQuiet(ctx, sym, p.StopOrderID)
			m.cancelQuiet(ctx, sym, p.TakeProfitID)
			continue
		}

		dir := types.Long
		if xp.Quantity < 0 {
			dir = types.Short
		}
		switch {
		case p.Quantity != 0 && dir != p.Direction:
			report(sym, DirectionDrift, p.Quantity, xp.Quantity)
			p.StopOrderID, p.TakeProfitID = "", ""
			p.StopLoss, p.TakeProfit = 0, 0
			p.Invalidation = types.InvalidationRule{}
		case math.Abs(p.AbsQty()-math.Abs(xp.Quantity)) > qtyEpsilon:
			report(sym, QuantityDrift, p.Quantity, xp.Quantity)
		}
		m.overwriteLocked(p, xp, dir)
	}

	for sym, xp := range byKey {
		if _, ok := m.book[sym]; ok {
			continue
		}
		m.adoptLocked(ctx, xp)
		report(sym, UnknownOnExchange, 0, xp.Quantity)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Manager) entryWorkingLocked(ctx context.Context, p *types.Position) bool {
	if p.EntryOrderID == "" {
		return false
	}
	ack, err := m.ex.OrderStatus(ctx, p.Symbol, p.EntryOrderID)
	if err != nil {
		// unknown is treated as still working; the next pass decides
		return true
	}
	return !ack.Status.Terminal()
}

func (m *Manager) overwriteLocked(p *types.Position, xp types.ExchangePosition, dir types.Direction) {
	p.Direction = dir
	p.Quantity = xp.Quantity
	if xp.EntryPrice > 0 {
		p.EntryPrice = xp.EntryPrice
	}
	if xp.LiquidationPrice > 0 {
		p.LiquidationPrice = xp.LiquidationPrice
	}
	if xp.Leverage > 0 {
		p.Leverage = xp.Leverage
	}
	mark := xp.MarkPrice
	if mark <= 0 {
		mark = p.MarkPrice
	}
	if p.State == types.StatePendingOpen {
		p.State = types.StateOpen
		if p.OpenedAt.IsZero() {
			p.OpenedAt = m.opt.Now()
		}
	}
	m.revalueLocked(p, mark)
}

// adoptLocked takes over a position that exists only on the exchange,
// together with any resting reduce-only protective orders.
func (m *Manager) adoptLocked(ctx context.Context, xp types.ExchangePosition) {
	now := m.opt.Now()
	dir := types.Long
	if xp.Quantity < 0 {
		dir = types.Short
	}
	p := &types.Position{
		Symbol:           xp.Symbol,
		State:            types.StateOpen,
		Direction:        dir,
		Quantity:         xp.Quantity,
		EntryPrice:       xp.EntryPrice,
		Leverage:         xp.Leverage,
		LiquidationPrice: xp.LiquidationPrice,
		TargetQty:        math.Abs(xp.Quantity),
		PendingSince:     now,
		OpenedAt:         now,
	}
	mark := xp.MarkPrice
	if mark <= 0 {
		mark = xp.EntryPrice
	}
	m.revalueLocked(p, mark)

	orders, err := m.ex.OpenOrders(ctx, xp.Symbol)
	if err != nil {
		logger.Warn(ctx, "Could not list orders for adopted position", "symbol", xp.Symbol, "error", err)
	}
	exit := types.ExitSide(dir)
	for _, o := range orders {
		if o.Side != exit {
			continue
		}
		switch o.Type {
		case types.StopMarket:
			p.StopOrderID, p.StopLoss = o.OrderID, o.StopPrice
		case types.TakeProfitMarket:
			p.TakeProfitID, p.TakeProfit = o.OrderID, o.StopPrice
		}
	}
	m.book[xp.Symbol] = p
	m.cursors[xp.Symbol] = now
}
