package interfaces

import (
	"context"
	"time"

	"llm-perp-agent/internal/types"
)

// MarketData is the read-only price, interest and funding feed.
type MarketData interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	MarketStats(ctx context.Context, symbol string) (types.MarketStats, error)
}

// Exchange is a perpetual futures venue. Every method is a network call and
// must honour ctx deadlines.
type Exchange interface {
	MarketData

	Balance(ctx context.Context) (types.Balance, error)
	PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error)
	OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderAck, error)
	Fills(ctx context.Context, symbol string, since time.Time) ([]types.FillEvent, error)
	OpenPositions(ctx context.Context) ([]types.ExchangePosition, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SupportsAttachedOrders reports whether stop-loss and take-profit orders
	// can rest on the venue next to the position.
	SupportsAttachedOrders() bool
}
