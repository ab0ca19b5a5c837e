// Package binance implements interfaces.Exchange on Binance USDⓈ-M futures.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

type Params struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	RequestsPerSecond float64
}

type Client struct {
	futures *futures.Client
	limiter *rate.Limiter
}

var _ interfaces.Exchange = (*Client)(nil)

// New creates a futures client. Keys may be empty for market data only.
func New(p Params) *Client {
	if p.Testnet {
		futures.UseTestnet = true
	}
	rps := p.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		futures: futures.NewClient(p.APIKey, p.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// FromConfig reads BINANCE_API_KEY and BINANCE_API_SECRET. Both are
// required in LIVE mode.
func FromConfig(cfg *store.Config, getenv func(string) string) (*Client, error) {
	key, secret := getenv("BINANCE_API_KEY"), getenv("BINANCE_API_SECRET")
	if cfg.Mode == store.ModeLive && (key == "" || secret == "") {
		return nil, errs.Fatal("binance.FromConfig", errors.New("BINANCE_API_KEY and BINANCE_API_SECRET are required in LIVE mode"))
	}
	return New(Params{
		APIKey:            key,
		APISecret:         secret,
		Testnet:           cfg.Binance.Testnet,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
	}), nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.Transient(op, err)
	}
	return nil
}

// classify maps venue errors onto the error taxonomy. API errors with a
// business code are rejections; everything else, including rate limiting,
// is transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1007, -1008, -1001:
			return errs.Transient(op, err)
		}
		return errs.Rejection(op, err)
	}
	return errs.Transient(op, err)
}

func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	const op = "binance.Candles"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		cd, err := candleFromKline(k)
		if err != nil {
			return nil, errs.Transient(op, fmt.Errorf("%s: %w", symbol, err))
		}
		out = append(out, cd)
	}
	return out, nil
}

func (c *Client) MarketStats(ctx context.Context, symbol string) (types.MarketStats, error) {
	const op = "binance.MarketStats"
	if err := c.wait(ctx, op); err != nil {
		return types.MarketStats{}, err
	}
	idx, err := c.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.MarketStats{}, classify(op, err)
	}
	if len(idx) == 0 {
		return types.MarketStats{}, errs.Transient(op, fmt.Errorf("no premium index for %s", symbol))
	}
	if err := c.wait(ctx, op); err != nil {
		return types.MarketStats{}, err
	}
	oi, err := c.futures.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.MarketStats{}, classify(op, err)
	}

	st := types.MarketStats{Symbol: symbol, Time: time.Now().UTC()}
	if st.MarkPrice, err = parse(idx[0].MarkPrice); err != nil {
		return types.MarketStats{}, errs.Transient(op, err)
	}
	if st.FundingRate, err = parse(idx[0].LastFundingRate); err != nil {
		return types.MarketStats{}, errs.Transient(op, err)
	}
	if st.OpenInterest, err = parse(oi.OpenInterest); err != nil {
		return types.MarketStats{}, errs.Transient(op, err)
	}
	return st, nil
}

func (c *Client) Balance(ctx context.Context) (types.Balance, error) {
	const op = "binance.Balance"
	if err := c.wait(ctx, op); err != nil {
		return types.Balance{}, err
	}
	acct, err := c.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return types.Balance{}, classify(op, err)
	}
	var b types.Balance
	if b.Wallet, err = parse(acct.TotalWalletBalance); err != nil {
		return types.Balance{}, errs.Transient(op, err)
	}
	if b.Available, err = parse(acct.AvailableBalance); err != nil {
		return types.Balance{}, errs.Transient(op, err)
	}
	if b.UnrealizedPnL, err = parse(acct.TotalUnrealizedProfit); err != nil {
		return types.Balance{}, errs.Transient(op, err)
	}
	return b, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderAck, error) {
	const op = "binance.PlaceOrder"
	if err := c.wait(ctx, op); err != nil {
		return types.OrderAck{}, err
	}
	svc := c.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(format(req.Quantity))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}
	switch req.Type {
	case types.Limit:
		svc = svc.Price(format(req.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	case types.StopMarket, types.TakeProfitMarket:
		svc = svc.StopPrice(format(req.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return types.OrderAck{}, classify(op, err)
	}
	return types.OrderAck{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		ClientID:  res.ClientOrderID,
		Symbol:    res.Symbol,
		Status:    orderStatus(res.Status),
		FilledQty: parseOr0(res.ExecutedQuantity),
		AvgPrice:  parseOr0(res.AvgPrice),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	const op = "binance.CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.OrderAck{}, errs.Rejection(op, fmt.Errorf("order id %q: %w", orderID, err))
	}
	if err := c.wait(ctx, op); err != nil {
		return types.OrderAck{}, err
	}
	res, err := c.futures.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return types.OrderAck{}, classify(op, err)
	}
	return types.OrderAck{
		OrderID:   orderID,
		ClientID:  res.ClientOrderID,
		Symbol:    symbol,
		Status:    orderStatus(res.Status),
		FilledQty: parseOr0(res.ExecutedQuantity),
	}, nil
}

func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	const op = "binance.OrderStatus"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.OrderAck{}, errs.Rejection(op, fmt.Errorf("order id %q: %w", orderID, err))
	}
	if err := c.wait(ctx, op); err != nil {
		return types.OrderAck{}, err
	}
	o, err := c.futures.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return types.OrderAck{}, classify(op, err)
	}
	return ackFromOrder(o), nil
}

func (c *Client) Fills(ctx context.Context, symbol string, since time.Time) ([]types.FillEvent, error) {
	const op = "binance.Fills"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	svc := c.futures.NewListAccountTradeService().Symbol(symbol).Limit(1000)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]types.FillEvent, 0, len(trades))
	for _, t := range trades {
		f, err := fillFromTrade(t)
		if err != nil {
			return nil, errs.Transient(op, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	const op = "binance.OpenPositions"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	var out []types.ExchangePosition
	for _, r := range risks {
		xp, err := positionFromRisk(r)
		if err != nil {
			return nil, errs.Transient(op, err)
		}
		if xp.Quantity != 0 {
			out = append(out, xp)
		}
	}
	return out, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	const op = "binance.OpenOrders"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	svc := c.futures.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]types.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderFromOrder(o))
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "binance.SetLeverage"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	_, err := c.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return classify(op, err)
}

func (c *Client) SupportsAttachedOrders() bool { return true }
