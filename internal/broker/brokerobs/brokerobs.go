package brokerobs

import (
	"context"
	"time"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/trace"
	"llm-perp-agent/internal/types"
)

// observableExchange wraps an Exchange with observability (logging & tracing)
type observableExchange struct {
	ex interfaces.Exchange
}

// Compile-time interface check
var _ interfaces.Exchange = (*observableExchange)(nil)

// Wrap wraps an exchange with observability middleware
func Wrap(ex interfaces.Exchange) interfaces.Exchange {
	return &observableExchange{ex: ex}
}

// Candles fetches candles with observability
func (oe *observableExchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Candles")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching candles", "symbol", symbol, "interval", interval, "limit", limit)

	candles, err := oe.ex.Candles(ctx, symbol, interval, limit)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch candles", err, "symbol", symbol, "interval", interval)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Candles fetched successfully", "symbol", symbol, "count", len(candles))
	return candles, nil
}

// MarketStats fetches mark price, funding and open interest with observability
func (oe *observableExchange) MarketStats(ctx context.Context, symbol string) (types.MarketStats, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.MarketStats")
	defer span.End()

	st, err := oe.ex.MarketStats(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch market stats", err, "symbol", symbol)
		return st, err
	}

	logger.DebugSkip(ctx, 1, "Market stats fetched",
		"symbol", symbol,
		"mark", st.MarkPrice,
		"funding", st.FundingRate,
		"open_interest", st.OpenInterest,
	)
	return st, nil
}

func (oe *observableExchange) Balance(ctx context.Context) (types.Balance, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Balance")
	defer span.End()

	b, err := oe.ex.Balance(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch balance", err)
		return b, err
	}
	logger.DebugSkip(ctx, 1, "Balance fetched", "wallet", b.Wallet, "available", b.Available)
	return b, nil
}

// PlaceOrder places an order with observability
func (oe *observableExchange) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.PlaceOrder")
	defer span.End()

	start := time.Now()
	logger.InfoSkip(ctx, 1, "Placing order",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"qty", req.Quantity,
		"reduce_only", req.ReduceOnly,
		"tag", req.Tag,
	)

	ack, err := oe.ex.PlaceOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity,
		)
		return types.OrderAck{}, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"symbol", req.Symbol,
		"order_id", ack.OrderID,
		"status", ack.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ack, nil
}

func (oe *observableExchange) CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.CancelOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "symbol", symbol, "order_id", orderID)
	ack, err := oe.ex.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "symbol", symbol, "order_id", orderID)
		return ack, err
	}
	logger.InfoSkip(ctx, 1, "Cancel acknowledged", "symbol", symbol, "order_id", orderID, "status", ack.Status)
	return ack, nil
}

func (oe *observableExchange) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.OrderStatus")
	defer span.End()

	ack, err := oe.ex.OrderStatus(ctx, symbol, orderID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to query order", err, "symbol", symbol, "order_id", orderID)
		return ack, err
	}
	logger.DebugSkip(ctx, 1, "Order status", "symbol", symbol, "order_id", orderID, "status", ack.Status, "filled", ack.FilledQty)
	return ack, nil
}

func (oe *observableExchange) Fills(ctx context.Context, symbol string, since time.Time) ([]types.FillEvent, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Fills")
	defer span.End()

	fills, err := oe.ex.Fills(ctx, symbol, since)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch fills", err, "symbol", symbol, "since", since)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Fills fetched", "symbol", symbol, "count", len(fills))
	return fills, nil
}

func (oe *observableExchange) OpenPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.OpenPositions")
	defer span.End()

	ps, err := oe.ex.OpenPositions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch positions", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Positions fetched", "count", len(ps))
	return ps, nil
}

func (oe *observableExchange) OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.OpenOrders")
	defer span.End()

	os, err := oe.ex.OpenOrders(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open orders", err, "symbol", symbol)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Open orders fetched", "symbol", symbol, "count", len(os))
	return os, nil
}

func (oe *observableExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	ctx, span := trace.StartSpan(ctx, "exchange.SetLeverage")
	defer span.End()

	if err := oe.ex.SetLeverage(ctx, symbol, leverage); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to set leverage", err, "symbol", symbol, "leverage", leverage)
		return err
	}
	logger.DebugSkip(ctx, 1, "Leverage set", "symbol", symbol, "leverage", leverage)
	return nil
}

func (oe *observableExchange) SupportsAttachedOrders() bool { return oe.ex.SupportsAttachedOrders() }
