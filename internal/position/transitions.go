package position

import (
	"context"
	"fmt"
	"math"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/metrics"
	"llm-perp-agent/internal/types"
)

// qtyEpsilon absorbs float noise when comparing quantities.
const qtyEpsilon = 1e-9

// Open submits the entry for an approved order and moves the symbol to
// PENDING_OPEN. Market entries are synced right away so an immediate fill
// lands in the same tick.
func (m *Manager) Open(ctx context.Context, o types.ApprovedOrder, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.book[o.Symbol]; ok {
		if err := m.checkSeq(p, seq); err != nil {
			return err
		}
		return fmt.Errorf("%s is %s: %w", o.Symbol, p.State, ErrNotFlat)
	}
	if o.Close || o.Quantity <= 0 {
		return errs.Rejection("position.Open", fmt.Errorf("%s: not an opening order", o.Symbol))
	}

	if err := m.ex.SetLeverage(ctx, o.Symbol, o.Leverage); err != nil {
		return errs.Transient("position.Open", fmt.Errorf("set leverage %s: %w", o.Symbol, err))
	}

	req := m.entryRequest(o)
	ack, err := m.submit(ctx, req, "entry")
	if err != nil {
		return err
	}

	now := m.opt.Now()
	p := &types.Position{
		Symbol:        o.Symbol,
		State:         types.StatePendingOpen,
		Direction:     o.Direction,
		Leverage:      o.Leverage,
		MarkPrice:     o.RefPrice,
		TargetQty:     o.Quantity,
		EntryOrderID:  ack.OrderID,
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
		Invalidation:  o.Invalidation,
		Confidence:    o.Confidence,
		RiskCommitted: o.RiskCommitted,
		WaitForFill:   req.Type == types.Limit,
		PendingSince:  now,
		LastSeq:       seq,
	}
	m.book[o.Symbol] = p
	if _, ok := m.cursors[o.Symbol]; !ok || m.cursors[o.Symbol].Before(now.Add(-fillLookback)) {
		m.cursors[o.Symbol] = now.Add(-fillLookback)
	}

	if req.Type == types.Market {
		if err := m.syncSymbolLocked(ctx, o.Symbol); err != nil {
			logger.Warn(ctx, "Post-entry sync failed", "symbol", o.Symbol, "error", err)
		}
	}
	return nil
}

// Close moves an open position to PENDING_CLOSE and submits a reduce-only
// market order. A pending entry is cancelled instead. The first close reason
// recorded for a position is kept.
func (m *Manager) Close(ctx context.Context, symbol, reason string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.book[symbol]
	if !ok {
		return nil
	}
	if err := m.checkSeq(p, seq); err != nil {
		return err
	}
	touch(p, seq)
	return m.closeLocked(ctx, p, reason)
}

func (m *Manager) closeLocked(ctx context.Context, p *types.Position, reason string) error {
	switch p.State {
	case types.StatePendingOpen:
		if p.Quantity == 0 {
			return m.cancelEntryLocked(ctx, p)
		}
	case types.StatePendingClose:
		if p.CloseOrderID != "" {
			return nil
		}
	}

	if p.WaitForFill && p.EntryOrderID != "" {
		// stop the rest of a partially filled limit entry
		m.cancelQuiet(ctx, p.Symbol, p.EntryOrderID)
		p.WaitForFill = false
	}
	if p.CloseReason == "" {
		p.CloseReason = reason
	}
	p.State = types.StatePendingClose
	p.PendingSince = m.opt.Now()

	if err := m.submitCloseLocked(ctx, p); err != nil {
		return err
	}
	return m.syncSymbolLocked(ctx, p.Symbol)
}

func (m *Manager) cancelEntryLocked(ctx context.Context, p *types.Position) error {
	if p.CancelRequested {
		return nil
	}
	ack, err := m.ex.CancelOrder(ctx, p.Symbol, p.EntryOrderID)
	if err != nil {
		return errs.Transient("position.cancelEntry", fmt.Errorf("%s: %w", p.Symbol, err))
	}
	p.CancelRequested = true
	m.applyOrderLocked(ctx, p, ack)
	return nil
}

// MarkPrice revalues a position and enforces exit rules. Invalidation is
// checked first and wins over the stop-loss. Stop-loss and take-profit are
// only enforced here when no resting order covers them.
//
// Returns:
//   - triggered: true when a close was started for this symbol
//   - err: error from submitting the close
func (m *Manager) MarkPrice(ctx context.Context, symbol string, price float64, seq uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.book[symbol]
	if !ok || price <= 0 {
		return false, nil
	}
	if err := m.checkSeq(p, seq); err != nil {
		return false, err
	}
	touch(p, seq)
	m.revalueLocked(p, price)

	if p.State != types.StateOpen {
		return false, nil
	}

	var reason string
	switch {
	case p.Invalidation.Triggered(price):
		reason = "invalidation"
	case p.StopOrderID == "" && stopHit(p, price):
		reason = "stop_loss"
	case p.TakeProfitID == "" && targetHit(p, price):
		reason = "take_profit"
	}
	if reason == "" {
		return false, nil
	}

	logger.Risk(ctx, symbol, reason,
		"price", price,
		"stop_loss", p.StopLoss,
		"take_profit", p.TakeProfit,
		"invalidation", p.Invalidation.Price,
	)
	return true, m.closeLocked(ctx, p, reason)
}

func (m *Manager) revalueLocked(p *types.Position, price float64) {
	p.MarkPrice = price
	p.UnrealizedPnL = Unrealized(p.EntryPrice, price, p.Quantity)
	p.LiqDistancePct = liqDistancePct(price, p.LiquidationPrice)
	metrics.UnrealizedPnL.WithLabelValues(p.Symbol).Set(p.UnrealizedPnL)
}

func stopHit(p *types.Position, price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == types.Long {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

func targetHit(p *types.Position, price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Direction == types.Long {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// ApplyFill folds one exchange fill into the book. Fills are applied at most
// once, keyed by symbol and fill ID.
func (m *Manager) ApplyFill(ctx context.Context, f types.FillEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyFillLocked(ctx, f)
}

func (m *Manager) applyFillLocked(ctx context.Context, f types.FillEvent) error {
	key := fillKey(f.Symbol, f.ID)
	dup, err := m.seenLocked(key)
	if err != nil {
		return err
	}
	if dup {
		metrics.FillsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	p, ok := m.book[f.Symbol]
	if ok && p.PendingTrade != nil {
		if err := m.recordPendingLocked(ctx, p); err != nil {
			return err
		}
		if _, dup := m.seen[key]; dup {
			metrics.FillsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		p, ok = m.book[f.Symbol]
	}

	if !ok || f.Quantity <= 0 {
		m.markSeen(ctx, key)
		metrics.FillsTotal.WithLabelValues("orphan").Inc()
		logger.Warn(ctx, "Fill with no local position", "symbol", f.Symbol, "fill_id", f.ID, "order_id", f.OrderID)
		return nil
	}
	metrics.FillsTotal.WithLabelValues("applied").Inc()
	logger.Fill(ctx, f.Symbol, f.ID, f.Quantity, f.Price, "side", f.Side, "order_id", f.OrderID, "fee", f.Fee)

	if f.Side == types.EntrySide(p.Direction) {
		m.applyEntryFillLocked(ctx, p, f)
		m.markSeen(ctx, key)
		return nil
	}
	return m.applyExitFillLocked(ctx, p, f, key)
}

func (m *Manager) seenLocked(key string) (bool, error) {
	if _, dup := m.seen[key]; dup {
		return true, nil
	}
	if m.journal == nil {
		return false, nil
	}
	seen, err := m.journal.Seen(key)
	if err != nil {
		return false, errs.Transient("position.ApplyFill", err)
	}
	if seen {
		m.seen[key] = struct{}{}
	}
	return seen, nil
}

func (m *Manager) markSeen(ctx context.Context, key string) {
	m.seen[key] = struct{}{}
	if m.journal == nil {
		return
	}
	if err := m.journal.Mark(key); err != nil {
		logger.Warn(ctx, "Fill journal write failed", "key", key, "error", err)
	}
}

func (m *Manager) applyEntryFillLocked(ctx context.Context, p *types.Position, f types.FillEvent) {
	prev := p.AbsQty()
	p.EntryPrice = averagePrice(p.EntryPrice, prev, f.Price, f.Quantity)
	p.Quantity = addf(prev, f.Quantity) * p.Direction.Sign()
	p.Fees = addf(p.Fees, f.Fee)
	p.LiquidationPrice = LiquidationEstimate(p.Direction, p.EntryPrice, p.Leverage, m.opt.MaintenanceMarginRate)
	if p.MarkPrice <= 0 {
		p.MarkPrice = f.Price
	}
	m.revalueLocked(p, p.MarkPrice)

	if p.AbsQty() >= p.TargetQty-qtyEpsilon {
		p.WaitForFill = false
	}
	if p.State != types.StatePendingOpen {
		return
	}
	p.State = types.StateOpen
	p.OpenedAt = f.Time
	if p.OpenedAt.IsZero() {
		p.OpenedAt = m.opt.Now()
	}
	logger.Info(ctx, "Position opened",
		"symbol", p.Symbol,
		"direction", p.Direction,
		"qty", p.AbsQty(),
		"entry", p.EntryPrice,
		"leverage", p.Leverage,
	)
	m.attachExitsLocked(ctx, p)
}

func (m *Manager) applyExitFillLocked(ctx context.Context, p *types.Position, f types.FillEvent, key string) error {
	remaining := p.AbsQty()
	qty := math.Min(f.Quantity, remaining)
	if qty <= 0 {
		m.markSeen(ctx, key)
		metrics.FillsTotal.WithLabelValues("orphan").Inc()
		return nil
	}

	p.RealizedPnL = addf(p.RealizedPnL, Realized(p.Direction, p.EntryPrice, f.Price, qty))
	p.Fees = addf(p.Fees, f.Fee)
	p.ExitedQty = addf(p.ExitedQty, qty)
	p.ExitNotional = d(p.ExitNotional).Add(d(qty).Mul(d(f.Price))).InexactFloat64()
	left := subf(remaining, qty)
	p.Quantity = left * p.Direction.Sign()
	m.revalueLocked(p, p.MarkPrice)

	if p.State != types.StatePendingClose {
		p.State = types.StatePendingClose
		p.PendingSince = m.opt.Now()
	}
	if p.CloseReason == "" {
		p.CloseReason = m.exitReason(p, f.OrderID)
	}

	if left > qtyEpsilon {
		m.markSeen(ctx, key)
		return nil
	}
	return m.finishLocked(ctx, p, f, key)
}

func (m *Manager) exitReason(p *types.Position, orderID string) string {
	switch orderID {
	case "":
		return "external"
	case p.StopOrderID:
		return "stop_loss"
	case p.TakeProfitID:
		return "take_profit"
	}
	return "external"
}

// finishLocked turns a fully exited position into its trade. The closing
// fill is only marked applied once the trade is recorded; until then the
// position stays in the book holding the pending trade.
func (m *Manager) finishLocked(ctx context.Context, p *types.Position, last types.FillEvent, key string) error {
	exit := 0.0
	if p.ExitedQty > 0 {
		exit = d(p.ExitNotional).Div(d(p.ExitedQty)).InexactFloat64()
	}
	closedAt := last.Time
	if closedAt.IsZero() {
		closedAt = m.opt.Now()
	}
	p.PendingTrade = &types.TradeResult{
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Quantity:   p.ExitedQty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		PnL:        p.RealizedPnL,
		Fees:       p.Fees,
		Reason:     p.CloseReason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   closedAt,
	}
	p.PendingFillKey = key

	for _, id := range []string{p.StopOrderID, p.TakeProfitID} {
		if id != last.OrderID {
			m.cancelQuiet(ctx, p.Symbol, id)
		}
	}
	p.StopOrderID, p.TakeProfitID = "", ""

	return m.recordPendingLocked(ctx, p)
}

// recordPendingLocked writes the pending trade and drops the position. On
// failure the position is left as is and the next Sync retries.
func (m *Manager) recordPendingLocked(ctx context.Context, p *types.Position) error {
	tr := *p.PendingTrade
	if m.rec != nil {
		if err := m.rec.RecordTrade(ctx, tr); err != nil {
			logger.ErrorWithErr(ctx, "Trade record failed, keeping position until it is written", err,
				"symbol", tr.Symbol,
				"pnl", tr.PnL,
			)
			return errs.Transient("position.recordTrade", fmt.Errorf("%s: %w", tr.Symbol, err))
		}
	}
	if p.PendingFillKey != "" {
		m.markSeen(ctx, p.PendingFillKey)
	}
	delete(m.book, p.Symbol)
	metrics.UnrealizedPnL.DeleteLabelValues(p.Symbol)

	logger.Info(ctx, "Position closed",
		"symbol", tr.Symbol,
		"direction", tr.Direction,
		"qty", tr.Quantity,
		"entry", tr.EntryPrice,
		"exit", tr.ExitPrice,
		"pnl", tr.PnL,
		"fees", tr.Fees,
		"reason", tr.Reason,
	)
	return nil
}

// ApplyOrderUpdate folds an order status report into the book.
func (m *Manager) ApplyOrderUpdate(ctx context.Context, ack types.OrderAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.book[ack.Symbol]; ok {
		m.applyOrderLocked(ctx, p, ack)
	}
}

func (m *Manager) applyOrderLocked(ctx context.Context, p *types.Position, ack types.OrderAck) {
	if ack.OrderID == "" || !ack.Status.Terminal() {
		return
	}
	dead := ack.Status != types.StatusFilled

	switch ack.OrderID {
	case p.EntryOrderID:
		// fills for this order have not all arrived yet
		if ack.FilledQty > p.AbsQty()+qtyEpsilon {
			return
		}
		p.WaitForFill = false
		p.CancelRequested = false
		if p.State != types.StatePendingOpen {
			p.TargetQty = p.AbsQty()
			return
		}
		if p.Quantity == 0 {
			delete(m.book, p.Symbol)
			metrics.UnrealizedPnL.DeleteLabelValues(p.Symbol)
			logger.Info(ctx, "Entry ended without fill", "symbol", p.Symbol, "order_id", ack.OrderID, "status", ack.Status)
			return
		}
		p.State = types.StateOpen
		p.TargetQty = p.AbsQty()
	case p.CloseOrderID:
		if dead {
			logger.Warn(ctx, "Close order ended unfilled", "symbol", p.Symbol, "order_id", ack.OrderID, "status", ack.Status)
			p.CloseOrderID = ""
		}
	case p.StopOrderID:
		if dead {
			p.StopOrderID = ""
		}
	case p.TakeProfitID:
		if dead {
			p.TakeProfitID = ""
		}
	}
}
