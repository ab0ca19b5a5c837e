package position

import (
	"context"
	"fmt"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/metrics"
	"llm-perp-agent/internal/types"
)

// submit places req on the exchange, audits it and counts it.
//
// Parameters:
//   - ctx: Context for the exchange call and tracing
//   - req: The order to place
//   - purpose: entry, close, stop or take_profit; used as the metric label
//
// Returns:
//   - ack: Exchange acknowledgement
//   - err: TransientIO error if the exchange refused or timed out
func (m *Manager) submit(ctx context.Context, req types.OrderReq, purpose string) (types.OrderAck, error) {
	if req.ClientID == "" {
		req.ClientID = m.opt.NewClientID()
	}
	ack, err := m.ex.PlaceOrder(ctx, req)
	if m.opt.Auditor != nil {
		m.opt.Auditor.AuditOrder(ctx, req, ack, err)
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to place order", err,
			"symbol", req.Symbol,
			"side", req.Side,
			"type", req.Type,
			"qty", req.Quantity,
			"purpose", purpose,
		)
		return types.OrderAck{}, errs.Transient("position.submit", fmt.Errorf("%s %s order: %w", req.Symbol, purpose, err))
	}
	metrics.OrdersSubmitted.WithLabelValues(purpose).Inc()
	logger.Order(ctx, req.Symbol, string(req.Side), string(req.Type), req.Quantity, req.Price, ack.OrderID,
		"purpose", purpose,
		"status", ack.Status,
	)
	return ack, nil
}

// entryRequest builds the opening order. Limit entries are offset from the
// reference price in the trader's favour and snapped to the price tick.
func (m *Manager) entryRequest(o types.ApprovedOrder) types.OrderReq {
	req := types.OrderReq{
		Symbol:   o.Symbol,
		Side:     types.EntrySide(o.Direction),
		Type:     types.Market,
		Quantity: o.Quantity,
		Tag:      "entry",
	}
	if m.opt.EntryType != types.Limit {
		return req
	}
	off := m.opt.LimitOffsetBps / 10000
	tick := m.opt.PriceTick[o.Symbol]
	req.Type = types.Limit
	if o.Direction == types.Long {
		req.Price = roundToTick(o.RefPrice*(1-off), tick, false)
	} else {
		req.Price = roundToTick(o.RefPrice*(1+off), tick, true)
	}
	return req
}

// attachExitsLocked rests stop-loss and take-profit orders on the venue.
// A failed leg leaves its ID empty so MarkPrice enforces it in software.
func (m *Manager) attachExitsLocked(ctx context.Context, p *types.Position) {
	if !m.opt.AttachExits || !m.ex.SupportsAttachedOrders() {
		return
	}
	side := types.ExitSide(p.Direction)
	if p.StopLoss > 0 && p.StopOrderID == "" {
		ack, err := m.submit(ctx, types.OrderReq{
			Symbol: p.Symbol, Side: side, Type: types.StopMarket,
			StopPrice: p.StopLoss, ClosePosition: true, Tag: "stop",
		}, "stop")
		if err == nil {
			p.StopOrderID = ack.OrderID
		}
	}
	if p.TakeProfit > 0 && p.TakeProfitID == "" {
		ack, err := m.submit(ctx, types.OrderReq{
			Symbol: p.Symbol, Side: side, Type: types.TakeProfitMarket,
			StopPrice: p.TakeProfit, ClosePosition: true, Tag: "take_profit",
		}, "take_profit")
		if err == nil {
			p.TakeProfitID = ack.OrderID
		}
	}
}

// submitCloseLocked sends a reduce-only market order for the remaining size.
// On failure CloseOrderID stays empty and the next Sync resubmits.
func (m *Manager) submitCloseLocked(ctx context.Context, p *types.Position) error {
	qty := p.AbsQty()
	if qty == 0 {
		return nil
	}
	ack, err := m.submit(ctx, types.OrderReq{
		Symbol:     p.Symbol,
		Side:       types.ExitSide(p.Direction),
		Type:       types.Market,
		Quantity:   qty,
		ReduceOnly: true,
		Tag:        "close:" + p.CloseReason,
	}, "close")
	if err != nil {
		return err
	}
	p.CloseOrderID = ack.OrderID
	return nil
}

// cancelQuiet cancels orderID and only logs failures. Used for leftover
// protective orders once a position is flat.
func (m *Manager) cancelQuiet(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	if _, err := m.ex.CancelOrder(ctx, symbol, orderID); err != nil {
		logger.Debug(ctx, "Leftover order cancel failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
}
