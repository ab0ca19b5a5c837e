// Package paper is a simulated perpetual futures venue for DRY_RUN mode and
// tests. Prices come from a real MarketData source; orders, fills, fees and
// the wallet are simulated locally.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/types"
)

var (
	ErrUnknownOrder       = errors.New("unknown order")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrReduceOnly         = errors.New("reduce-only order would increase position")
	ErrNoPrice            = errors.New("no mark price")
	ErrBadOrder           = errors.New("invalid order")
)

type Config struct {
	InitialBalance        float64
	TakerFee              float64
	MakerFee              float64
	MaintenanceMarginRate float64
	DefaultLeverage       int
	// StatePath persists the simulated account between runs when set.
	StatePath string
	Now       func() time.Time
}

type position struct {
	Qty      decimal.Decimal `json:"qty"` // signed
	Entry    decimal.Decimal `json:"entry"`
	Leverage int             `json:"leverage"`
}

type order struct {
	types.ExchangeOrder
	ClosePosition bool            `json:"close_position"`
	Filled        decimal.Decimal `json:"filled"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Created       time.Time       `json:"created"`
}

func (o *order) ack() types.OrderAck {
	return types.OrderAck{
		OrderID:   o.OrderID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Status:    o.Status,
		FilledQty: o.Filled.InexactFloat64(),
		AvgPrice:  o.AvgPrice.InexactFloat64(),
	}
}

type Exchange struct {
	mu  sync.Mutex
	md  interfaces.MarketData
	cfg Config

	wallet    decimal.Decimal
	leverage  map[string]int
	positions map[string]*position
	orders    map[string]*order
	fills     map[string][]types.FillEvent
	marks     map[string]float64
	nextOrder int64
	nextFill  int64
}

var _ interfaces.Exchange = (*Exchange)(nil)

// New creates a paper venue. When cfg.StatePath holds a previous state it is
// loaded instead of starting from InitialBalance.
func New(md interfaces.MarketData, cfg Config) (*Exchange, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	x := &Exchange{
		md:        md,
		cfg:       cfg,
		wallet:    decimal.NewFromFloat(cfg.InitialBalance),
		leverage:  make(map[string]int),
		positions: make(map[string]*position),
		orders:    make(map[string]*order),
		fills:     make(map[string][]types.FillEvent),
		marks:     make(map[string]float64),
	}
	if cfg.StatePath != "" {
		if err := x.load(); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (x *Exchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	return x.md.Candles(ctx, symbol, interval, limit)
}

// MarketStats reads the upstream feed, marks the book to it and triggers any
// resting orders the new price crosses.
func (x *Exchange) MarketStats(ctx context.Context, symbol string) (types.MarketStats, error) {
	st, err := x.md.MarketStats(ctx, symbol)
	if err != nil {
		return st, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.markLocked(ctx, symbol, st.MarkPrice)
	return st, nil
}

// SetMark moves the mark price directly. Tests and replays use it.
func (x *Exchange) SetMark(ctx context.Context, symbol string, price float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.markLocked(ctx, symbol, price)
}

func (x *Exchange) markLocked(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	x.marks[symbol] = price
	changed := false
	for _, o := range x.restingLocked(symbol) {
		if x.tryTriggerLocked(ctx, o, price) {
			changed = true
		}
	}
	if changed {
		x.saveLocked(ctx)
	}
}

func (x *Exchange) restingLocked(symbol string) []*order {
	var out []*order
	for _, o := range x.orders {
		if (symbol == "" || o.Symbol == symbol) && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) || (out[i].Created.Equal(out[j].Created) && out[i].OrderID < out[j].OrderID) })
	return out
}

func (x *Exchange) tryTriggerLocked(ctx context.Context, o *order, mark float64) bool {
	switch o.Type {
	case types.Limit:
		if (o.Side == types.Buy && mark <= o.Price) || (o.Side == types.Sell && mark >= o.Price) {
			x.fillOrderLocked(ctx, o, decimal.NewFromFloat(o.Price), x.cfg.MakerFee)
			return true
		}
	case types.StopMarket, types.TakeProfitMarket:
		if !triggered(o, mark) {
			return false
		}
		if x.positionLocked(o.Symbol).Qty.IsZero() {
			o.Status = types.StatusExpired
			return true
		}
		x.fillOrderLocked(ctx, o, decimal.NewFromFloat(mark), x.cfg.TakerFee)
		return true
	}
	return false
}

func triggered(o *order, mark float64) bool {
	stopBelow := (o.Type == types.StopMarket && o.Side == types.Sell) || (o.Type == types.TakeProfitMarket && o.Side == types.Buy)
	if stopBelow {
		return mark <= o.StopPrice
	}
	return mark >= o.StopPrice
}

func (x *Exchange) positionLocked(symbol string) *position {
	p, ok := x.positions[symbol]
	if !ok {
		p = &position{Qty: decimal.Zero, Entry: decimal.Zero, Leverage: x.leverageLocked(symbol)}
		x.positions[symbol] = p
	}
	return p
}

func (x *Exchange) leverageLocked(symbol string) int {
	if l, ok := x.leverage[symbol]; ok {
		return l
	}
	return x.cfg.DefaultLeverage
}

func sideSign(s types.OrderSide) decimal.Decimal {
	if s == types.Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// fillOrderLocked executes the order's open quantity at price.
func (x *Exchange) fillOrderLocked(ctx context.Context, o *order, price decimal.Decimal, feeRate float64) {
	p := x.positionLocked(o.Symbol)
	qty := decimal.NewFromFloat(o.Quantity).Sub(o.Filled)
	if o.ClosePosition || o.ReduceOnly {
		// reduce-only never flips: cap at the opposing position size
		if p.Qty.IsZero() || p.Qty.Sign() == sideSign(o.Side).Sign() {
			o.Status = types.StatusExpired
			return
		}
		if o.ClosePosition || qty.GreaterThan(p.Qty.Abs()) {
			qty = p.Qty.Abs()
		}
	}
	if !qty.IsPositive() {
		o.Status = types.StatusExpired
		return
	}
	x.applyFillLocked(ctx, o, qty, price, feeRate)
	o.Status = types.StatusFilled
}

func (x *Exchange) applyFillLocked(ctx context.Context, o *order, qty, price decimal.Decimal, feeRate float64) {
	p := x.positionLocked(o.Symbol)
	signed := qty.Mul(sideSign(o.Side))
	fee := qty.Mul(price).Mul(decimal.NewFromFloat(feeRate))

	realized := decimal.Zero
	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		total := p.Qty.Add(signed)
		p.Entry = p.Entry.Mul(p.Qty.Abs()).Add(price.Mul(qty)).Div(total.Abs())
		p.Qty = total
	default:
		closing := decimal.Min(qty, p.Qty.Abs())
		realized = price.Sub(p.Entry).Mul(closing).Mul(decimal.NewFromInt(int64(p.Qty.Sign())))
		rest := p.Qty.Add(signed)
		if rest.IsZero() {
			p.Entry = decimal.Zero
		} else if rest.Sign() != p.Qty.Sign() {
			// flipped through zero; the remainder opens at the fill price
			p.Entry = price
		}
		p.Qty = rest
	}
	p.Leverage = x.leverageLocked(o.Symbol)
	x.wallet = x.wallet.Add(realized).Sub(fee)

	filled := o.Filled.Add(qty)
	o.AvgPrice = o.AvgPrice.Mul(o.Filled).Add(price.Mul(qty)).Div(filled)
	o.Filled = filled

	x.nextFill++
	f := types.FillEvent{
		ID:       "PF" + strconv.FormatInt(x.nextFill, 10),
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    price.InexactFloat64(),
		Quantity: qty.InexactFloat64(),
		Fee:      fee.InexactFloat64(),
		Time:     x.cfg.Now(),
	}
	x.fills[o.Symbol] = append(x.fills[o.Symbol], f)
	logger.Debug(ctx, "Paper fill",
		"symbol", f.Symbol,
		"side", f.Side,
		"qty", f.Quantity,
		"price", f.Price,
		"realized", realized.InexactFloat64(),
		"fee", f.Fee,
	)
}

func (x *Exchange) Balance(context.Context) (types.Balance, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.balanceLocked(), nil
}

func (x *Exchange) balanceLocked() types.Balance {
	unreal, margin := decimal.Zero, decimal.Zero
	for sym, p := range x.positions {
		if p.Qty.IsZero() {
			continue
		}
		mark := decimal.NewFromFloat(x.marks[sym])
		if mark.IsZero() {
			mark = p.Entry
		}
		unreal = unreal.Add(mark.Sub(p.Entry).Mul(p.Qty))
		lev := p.Leverage
		if lev <= 0 {
			lev = 1
		}
		margin = margin.Add(p.Qty.Abs().Mul(mark).Div(decimal.NewFromInt(int64(lev))))
	}
	return types.Balance{
		Wallet:        x.wallet.InexactFloat64(),
		UnrealizedPnL: unreal.InexactFloat64(),
		Available:     x.wallet.Add(unreal).Sub(margin).InexactFloat64(),
	}
}

func (x *Exchange) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderAck, error) {
	if req.Symbol == "" || (req.Quantity <= 0 && !req.ClosePosition) {
		return types.OrderAck{}, fmt.Errorf("%w: %+v", ErrBadOrder, req)
	}
	if (req.Type == types.Limit && req.Price <= 0) ||
		((req.Type == types.StopMarket || req.Type == types.TakeProfitMarket) && req.StopPrice <= 0) {
		return types.OrderAck{}, fmt.Errorf("%w: %s needs a price", ErrBadOrder, req.Type)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	mark := x.marks[req.Symbol]
	if req.Type == types.Market && mark <= 0 {
		return types.OrderAck{}, fmt.Errorf("%s: %w", req.Symbol, ErrNoPrice)
	}

	p := x.positionLocked(req.Symbol)
	increasing := p.Qty.IsZero() || p.Qty.Sign() == sideSign(req.Side).Sign()
	if req.ReduceOnly && increasing {
		return types.OrderAck{}, fmt.Errorf("%s: %w", req.Symbol, ErrReduceOnly)
	}
	if increasing && !req.ClosePosition && (req.Type == types.Market || req.Type == types.Limit) {
		px := mark
		if req.Type == types.Limit {
			px = req.Price
		}
		need := req.Quantity * px / float64(x.leverageLocked(req.Symbol))
		if need > x.balanceLocked().Available {
			return types.OrderAck{}, fmt.Errorf("%s: need %.2f: %w", req.Symbol, need, ErrInsufficientMargin)
		}
	}

	x.nextOrder++
	o := &order{
		ExchangeOrder: types.ExchangeOrder{
			OrderID:    "P" + strconv.FormatInt(x.nextOrder, 10),
			ClientID:   req.ClientID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Type:       req.Type,
			Status:     types.StatusNew,
			Quantity:   req.Quantity,
			Price:      req.Price,
			StopPrice:  req.StopPrice,
			ReduceOnly: req.ReduceOnly || req.ClosePosition,
		},
		ClosePosition: req.ClosePosition,
		Filled:        decimal.Zero,
		AvgPrice:      decimal.Zero,
		Created:       x.cfg.Now(),
	}
	x.orders[o.OrderID] = o

	switch req.Type {
	case types.Market:
		x.fillOrderLocked(ctx, o, decimal.NewFromFloat(mark), x.cfg.TakerFee)
	default:
		if mark > 0 {
			x.tryTriggerLocked(ctx, o, mark)
		}
	}
	x.saveLocked(ctx)
	return o.ack(), nil
}

func (x *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok || o.Symbol != symbol {
		return types.OrderAck{}, fmt.Errorf("%s %s: %w", symbol, orderID, ErrUnknownOrder)
	}
	if !o.Status.Terminal() {
		o.Status = types.StatusCanceled
		x.saveLocked(ctx)
	}
	return o.ack(), nil
}

func (x *Exchange) OrderStatus(_ context.Context, symbol, orderID string) (types.OrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok || o.Symbol != symbol {
		return types.OrderAck{}, fmt.Errorf("%s %s: %w", symbol, orderID, ErrUnknownOrder)
	}
	return o.ack(), nil
}

func (x *Exchange) Fills(_ context.Context, symbol string, since time.Time) ([]types.FillEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []types.FillEvent
	for _, f := range x.fills[symbol] {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (x *Exchange) OpenPositions(context.Context) ([]types.ExchangePosition, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []types.ExchangePosition
	for sym, p := range x.positions {
		if p.Qty.IsZero() {
			continue
		}
		mark := decimal.NewFromFloat(x.marks[sym])
		xp := types.ExchangePosition{
			Symbol:     sym,
			Quantity:   p.Qty.InexactFloat64(),
			EntryPrice: p.Entry.InexactFloat64(),
			MarkPrice:  mark.InexactFloat64(),
			Leverage:   p.Leverage,
		}
		if !mark.IsZero() {
			xp.UnrealizedPnL = mark.Sub(p.Entry).Mul(p.Qty).InexactFloat64()
		}
		xp.LiquidationPrice = liquidation(p, x.cfg.MaintenanceMarginRate)
		out = append(out, xp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func liquidation(p *position, mmr float64) float64 {
	if p.Leverage <= 0 || p.Entry.IsZero() {
		return 0
	}
	inv := 1 / float64(p.Leverage)
	e := p.Entry.InexactFloat64()
	if p.Qty.IsPositive() {
		return max(e*(1-inv+mmr), 0)
	}
	return e * (1 + inv - mmr)
}

func (x *Exchange) OpenOrders(_ context.Context, symbol string) ([]types.ExchangeOrder, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []types.ExchangeOrder
	for _, o := range x.restingLocked(symbol) {
		out = append(out, o.ExchangeOrder)
	}
	return out, nil
}

func (x *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("%w: leverage %d", ErrBadOrder, leverage)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leverage[symbol] = leverage
	if p, ok := x.positions[symbol]; ok && p.Qty.IsZero() {
		p.Leverage = leverage
	}
	x.saveLocked(ctx)
	return nil
}

func (x *Exchange) SupportsAttachedOrders() bool { return true }
