package types

import "time"

// Candle is one OHLCV bar. Ts and CloseTs are unix milliseconds.
type Candle struct {
	Ts                          int64
	CloseTs                     int64
	Open, High, Low, Close, Vol float64
}

// MarketStats is the per-symbol derivatives feed sampled once per tick.
type MarketStats struct {
	Symbol       string    `json:"symbol"`
	MarkPrice    float64   `json:"mark_price"`
	FundingRate  float64   `json:"funding_rate"`
	OpenInterest float64   `json:"open_interest"`
	Time         time.Time `json:"time"`
}

// Direction is the side an action or position points to.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
	Hold  Direction = "hold"
)

// Sign is +1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Opposite returns the other trading side. Flat and hold map to themselves.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return d
}

// IndicatorSnapshot is built fresh every tick and never mutated afterwards.
// Nil scalar fields were withheld because the history was too short.
type IndicatorSnapshot struct {
	Symbol       string    `json:"symbol"`
	Time         time.Time `json:"time"`
	Price        float64   `json:"price"`
	EMA20        *float64  `json:"ema20"`
	EMA50        *float64  `json:"ema50"`
	MACD         *float64  `json:"macd"`
	MACDSignal   *float64  `json:"macd_signal"`
	RSI7         *float64  `json:"rsi7"`
	RSI14        *float64  `json:"rsi14"`
	ATR3         *float64  `json:"atr3"`
	ATR14        *float64  `json:"atr14"`
	OpenInterest float64   `json:"open_interest"`
	FundingRate  float64   `json:"funding_rate"`
	History      Series    `json:"history"`
	Partial      bool      `json:"partial"`
	Withheld     []string  `json:"withheld,omitempty"`
}

// Series holds recent values ordered oldest to newest.
type Series struct {
	Price []float64 `json:"price"`
	EMA20 []float64 `json:"ema20,omitempty"`
	MACD  []float64 `json:"macd,omitempty"`
	RSI7  []float64 `json:"rsi7,omitempty"`
	RSI14 []float64 `json:"rsi14,omitempty"`
}

// InvalidationOp tells which side of the threshold invalidates a trade.
type InvalidationOp string

const (
	InvalidateBelow InvalidationOp = "below"
	InvalidateAbove InvalidationOp = "above"
)

// InvalidationRule is a discretionary close threshold, separate from the stop-loss.
type InvalidationRule struct {
	Price       float64        `json:"price"`
	Op          InvalidationOp `json:"op"`
	Description string         `json:"description,omitempty"`
}

// Triggered reports whether price crossed the threshold. A zero rule never triggers.
func (r InvalidationRule) Triggered(price float64) bool {
	if r.Price <= 0 || price <= 0 {
		return false
	}
	switch r.Op {
	case InvalidateBelow:
		return price < r.Price
	case InvalidateAbove:
		return price > r.Price
	}
	return false
}

// ProposedAction is the oracle's suggestion for one symbol. It is consumed once by the risk manager.
type ProposedAction struct {
	Symbol       string           `json:"symbol"`
	Direction    Direction        `json:"direction"`
	Confidence   float64          `json:"confidence"`
	Leverage     int              `json:"leverage"`
	SizePct      float64          `json:"size_pct"`
	TakeProfit   float64          `json:"take_profit"`
	StopLoss     float64          `json:"stop_loss"`
	Invalidation InvalidationRule `json:"invalidation"`
	Reasoning    string           `json:"reasoning,omitempty"`
	// DecodeNote is set when the oracle output was replaced by hold.
	DecodeNote string `json:"decode_note,omitempty"`
}

// ApprovedOrder is a risk-checked instruction for the position manager.
type ApprovedOrder struct {
	Symbol        string           `json:"symbol"`
	Direction     Direction        `json:"direction"`
	Close         bool             `json:"close"`
	Quantity      float64          `json:"quantity"`
	Leverage      int              `json:"leverage"`
	RefPrice      float64          `json:"ref_price"`
	StopLoss      float64          `json:"stop_loss"`
	TakeProfit    float64          `json:"take_profit"`
	Invalidation  InvalidationRule `json:"invalidation"`
	Confidence    float64          `json:"confidence"`
	RiskCommitted float64          `json:"risk_committed"`
	Reason        string           `json:"reason,omitempty"`
}

// Notional is quantity times the reference price.
func (o ApprovedOrder) Notional() float64 { return o.Quantity * o.RefPrice }

// Rejection is a risk policy refusal. It is not an operator error.
type Rejection struct {
	Symbol    string `json:"symbol"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	ForceFlat bool   `json:"force_flat,omitempty"`
}

type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntrySide returns the order side that opens exposure in direction d.
func EntrySide(d Direction) OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the order side that reduces exposure in direction d.
func ExitSide(d Direction) OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	StatusNew        OrderStatus = "NEW"
	StatusPartFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled     OrderStatus = "FILLED"
	StatusCanceled   OrderStatus = "CANCELED"
	StatusRejected   OrderStatus = "REJECTED"
	StatusExpired    OrderStatus = "EXPIRED"
	StatusUnknown    OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

type OrderReq struct {
	ClientID      string    `json:"client_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	ClosePosition bool      `json:"close_position,omitempty"`
	Tag           string    `json:"tag,omitempty"`
}

type OrderAck struct {
	OrderID   string      `json:"order_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Symbol    string      `json:"symbol"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
}

// FillEvent is one execution reported by the exchange. ID is exchange assigned.
type FillEvent struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Fee      float64   `json:"fee"`
	Time     time.Time `json:"time"`
}

// ExchangePosition is the venue's authoritative view of an open position.
type ExchangePosition struct {
	Symbol           string  `json:"symbol"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price"`
	Leverage         int     `json:"leverage"`
}

// ExchangeOrder is an order still working on the venue.
type ExchangeOrder struct {
	OrderID    string      `json:"order_id"`
	ClientID   string      `json:"client_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Type       OrderType   `json:"type"`
	Status     OrderStatus `json:"status"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"`
	StopPrice  float64     `json:"stop_price"`
	ReduceOnly bool        `json:"reduce_only"`
}

// Balance is the wallet as reported by the exchange.
type Balance struct {
	Wallet        float64 `json:"wallet"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type PositionState string

const (
	StateFlat         PositionState = "FLAT"
	StatePendingOpen  PositionState = "PENDING_OPEN"
	StateOpen         PositionState = "OPEN"
	StatePendingClose PositionState = "PENDING_CLOSE"
)

// Position is owned by the position manager; everything else reads copies.
type Position struct {
	Symbol           string           `json:"symbol"`
	State            PositionState    `json:"state"`
	Direction        Direction        `json:"direction"`
	Quantity         float64          `json:"quantity"` // signed: negative is short
	EntryPrice       float64          `json:"entry_price"`
	MarkPrice        float64          `json:"mark_price"`
	Leverage         int              `json:"leverage"`
	LiquidationPrice float64          `json:"liquidation_price"`
	UnrealizedPnL    float64          `json:"unrealized_pnl"`
	LiqDistancePct   float64          `json:"liq_distance_pct"`
	TargetQty        float64          `json:"target_qty"`
	EntryOrderID     string           `json:"entry_order_id,omitempty"`
	CloseOrderID     string           `json:"close_order_id,omitempty"`
	StopOrderID      string           `json:"stop_order_id,omitempty"`
	TakeProfitID     string           `json:"take_profit_id,omitempty"`
	StopLoss         float64          `json:"stop_loss"`
	TakeProfit       float64          `json:"take_profit"`
	Invalidation     InvalidationRule `json:"invalidation"`
	Confidence       float64          `json:"confidence"`
	RiskCommitted    float64          `json:"risk_committed"`
	WaitForFill      bool             `json:"wait_for_fill"`
	CancelRequested  bool             `json:"cancel_requested,omitempty"`
	PendingSince     time.Time        `json:"pending_since"`
	OpenedAt         time.Time        `json:"opened_at"`
	CloseReason      string           `json:"close_reason,omitempty"`
	RealizedPnL      float64          `json:"realized_pnl"` // accumulated over partial exits
	Fees             float64          `json:"fees"`
	ExitedQty        float64          `json:"exited_qty"`
	ExitNotional     float64          `json:"exit_notional"`
	LastSeq          uint64           `json:"last_seq"`
	// PendingTrade is a fully exited trade whose ledger write has not
	// succeeded yet. The position stays in the book until it is recorded.
	PendingTrade   *TradeResult `json:"pending_trade,omitempty"`
	PendingFillKey string       `json:"pending_fill_key,omitempty"`
}

// AbsQty is the unsigned position size.
func (p Position) AbsQty() float64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Notional is |quantity| × mark price.
func (p Position) Notional() float64 { return p.AbsQty() * p.MarkPrice }

// AccountState is derived every tick from the wallet balance and the position set.
type AccountState struct {
	Cash          float64   `json:"cash"`
	Equity        float64   `json:"equity"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Exposure      float64   `json:"exposure"`
	MarginUsed    float64   `json:"margin_used"`
	Available     float64   `json:"available"`
	Positions     int       `json:"positions"`
	Time          time.Time `json:"time"`
}

// PerformanceRecord is one append-only equity curve entry.
type PerformanceRecord struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
	// RealizedDelta and FeesDelta cover trades closed since the previous
	// record. Running totals live in Stats.
	RealizedDelta float64 `json:"realized_delta"`
	FeesDelta     float64 `json:"fees_delta"`
}

// TradeResult is emitted exactly once when a position returns to flat.
type TradeResult struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Fees       float64   `json:"fees"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Stats are derived from the ledger on demand.
type Stats struct {
	InitialCapital float64 `json:"initial_capital"`
	Equity         float64 `json:"equity"`
	TotalReturnPct float64 `json:"total_return_pct"`
	Sharpe         float64 `json:"sharpe"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	WinRate        float64 `json:"win_rate"`
	Trades         int     `json:"trades"`
	RealizedPnL    float64 `json:"realized_pnl"`
	Fees           float64 `json:"fees"`
	Records        int     `json:"records"`
}

// OracleRequest is everything the oracle sees for one tick.
type OracleRequest struct {
	Snapshots map[string]IndicatorSnapshot `json:"snapshots"`
	Account   AccountState                 `json:"account"`
	Positions []Position                   `json:"positions"`
	Time      time.Time                    `json:"time"`
}

// PositionReview asks the oracle whether one open position should be closed.
type PositionReview struct {
	Position Position          `json:"position"`
	Snapshot IndicatorSnapshot `json:"snapshot"`
	Time     time.Time         `json:"time"`
}

// PositionVerdict is the close-or-hold answer to a PositionReview.
type PositionVerdict struct {
	Symbol     string  `json:"symbol"`
	Close      bool    `json:"close"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	DecodeNote string  `json:"decode_note,omitempty"`
}

// OracleResponse has exactly one action per requested symbol.
type OracleResponse struct {
	Actions []ProposedAction `json:"actions"`
	Raw     string           `json:"-"`
}

// TickResult summarizes one control loop iteration.
type TickResult struct {
	Seq      uint64           `json:"seq"`
	Time     time.Time        `json:"time"`
	Account  AccountState     `json:"account"`
	Actions  []ProposedAction `json:"actions"`
	Approved []ApprovedOrder  `json:"approved"`
	Rejected []Rejection      `json:"rejected"`
	Errors   []string         `json:"errors,omitempty"`
	Duration time.Duration    `json:"duration"`
}
