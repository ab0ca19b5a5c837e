package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"llm-perp-agent/internal/types"
)

func parse(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func parseOr0(s string) float64 {
	v, _ := parse(s)
	return v
}

func format(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func candleFromKline(k *futures.Kline) (types.Candle, error) {
	c := types.Candle{Ts: k.OpenTime, CloseTs: k.CloseTime}
	var err error
	for _, f := range []struct {
		dst *float64
		src string
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close}, {&c.Vol, k.Volume},
	} {
		if *f.dst, err = parse(f.src); err != nil {
			return types.Candle{}, err
		}
	}
	return c, nil
}

func orderStatus(s futures.OrderStatusType) types.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return types.StatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return types.StatusPartFilled
	case futures.OrderStatusTypeFilled:
		return types.StatusFilled
	case futures.OrderStatusTypeCanceled:
		return types.StatusCanceled
	case futures.OrderStatusTypeRejected:
		return types.StatusRejected
	case futures.OrderStatusTypeExpired:
		return types.StatusExpired
	}
	return types.StatusUnknown
}

func ackFromOrder(o *futures.Order) types.OrderAck {
	return types.OrderAck{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Symbol:    o.Symbol,
		Status:    orderStatus(o.Status),
		FilledQty: parseOr0(o.ExecutedQuantity),
		AvgPrice:  parseOr0(o.AvgPrice),
	}
}

func orderFromOrder(o *futures.Order) types.ExchangeOrder {
	return types.ExchangeOrder{
		OrderID:    strconv.FormatInt(o.OrderID, 10),
		ClientID:   o.ClientOrderID,
		Symbol:     o.Symbol,
		Side:       types.OrderSide(o.Side),
		Type:       types.OrderType(o.Type),
		Status:     orderStatus(o.Status),
		Quantity:   parseOr0(o.OrigQuantity),
		Price:      parseOr0(o.Price),
		StopPrice:  parseOr0(o.StopPrice),
		ReduceOnly: o.ReduceOnly || o.ClosePosition,
	}
}

func fillFromTrade(t *futures.AccountTrade) (types.FillEvent, error) {
	px, err := parse(t.Price)
	if err != nil {
		return types.FillEvent{}, err
	}
	qty, err := parse(t.Quantity)
	if err != nil {
		return types.FillEvent{}, err
	}
	return types.FillEvent{
		ID:       strconv.FormatInt(t.ID, 10),
		OrderID:  strconv.FormatInt(t.OrderID, 10),
		Symbol:   t.Symbol,
		Side:     types.OrderSide(t.Side),
		Price:    px,
		Quantity: qty,
		Fee:      parseOr0(t.Commission),
		Time:     time.UnixMilli(t.Time).UTC(),
	}, nil
}

func positionFromRisk(r *futures.PositionRisk) (types.ExchangePosition, error) {
	qty, err := parse(r.PositionAmt)
	if err != nil {
		return types.ExchangePosition{}, err
	}
	lev, _ := strconv.Atoi(r.Leverage)
	return types.ExchangePosition{
		Symbol:           r.Symbol,
		Quantity:         qty,
		EntryPrice:       parseOr0(r.EntryPrice),
		MarkPrice:        parseOr0(r.MarkPrice),
		UnrealizedPnL:    parseOr0(r.UnRealizedProfit),
		LiquidationPrice: parseOr0(r.LiquidationPrice),
		Leverage:         lev,
	}, nil
}
