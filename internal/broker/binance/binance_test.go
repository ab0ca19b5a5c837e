package binance

import (
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

func TestCandleFromKline(t *testing.T) {
	c, err := candleFromKline(&futures.Kline{
		OpenTime: 1000, CloseTime: 180999,
		Open: "107000.1", High: "107500", Low: "106900.5", Close: "107343.0", Volume: "12.5",
	})
	require.NoError(t, err)
	assert.Equal(t, types.Candle{Ts: 1000, CloseTs: 180999, Open: 107000.1, High: 107500, Low: 106900.5, Close: 107343, Vol: 12.5}, c)

	_, err = candleFromKline(&futures.Kline{Open: "x"})
	assert.Error(t, err)
}

func TestOrderStatusMapping(t *testing.T) {
	assert.Equal(t, types.StatusFilled, orderStatus(futures.OrderStatusTypeFilled))
	assert.Equal(t, types.StatusPartFilled, orderStatus(futures.OrderStatusTypePartiallyFilled))
	assert.Equal(t, types.StatusCanceled, orderStatus(futures.OrderStatusTypeCanceled))
	assert.Equal(t, types.StatusUnknown, orderStatus(futures.OrderStatusType("WHATEVER")))
}

func TestFillFromTrade(t *testing.T) {
	f, err := fillFromTrade(&futures.AccountTrade{
		ID: 77, OrderID: 12, Symbol: "BTCUSDT", Side: futures.SideTypeBuy,
		Price: "107343.0", Quantity: "0.12", Commission: "5.15", Time: 1759320000000,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", f.ID)
	assert.Equal(t, "12", f.OrderID)
	assert.Equal(t, types.Buy, f.Side)
	assert.Equal(t, 0.12, f.Quantity)
	assert.Equal(t, 5.15, f.Fee)
	assert.True(t, f.Time.Equal(time.UnixMilli(1759320000000)))
}

func TestPositionFromRisk(t *testing.T) {
	xp, err := positionFromRisk(&futures.PositionRisk{
		Symbol: "ETHUSDT", PositionAmt: "-2.000", EntryPrice: "4000", MarkPrice: "3900",
		UnRealizedProfit: "200", LiquidationPrice: "4750", Leverage: "5",
	})
	require.NoError(t, err)
	assert.Equal(t, -2.0, xp.Quantity)
	assert.Equal(t, 5, xp.Leverage)
	assert.Equal(t, 4750.0, xp.LiquidationPrice)
}

func TestOrderFromOrder(t *testing.T) {
	o := orderFromOrder(&futures.Order{
		OrderID: 9, Symbol: "ETHUSDT", Side: futures.SideTypeBuy, Type: futures.OrderTypeStopMarket,
		Status: futures.OrderStatusTypeNew, StopPrice: "4200", ClosePosition: true,
	})
	assert.Equal(t, "9", o.OrderID)
	assert.Equal(t, types.StopMarket, o.Type)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, 4200.0, o.StopPrice)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.Equal(t, errs.TransientIO, errs.KindOf(classify("op", errors.New("dial tcp: timeout"))))
	assert.Equal(t, errs.TransientIO, errs.KindOf(classify("op", &common.APIError{Code: -1003, Message: "too many requests"})))
	assert.Equal(t, errs.ValidationRejection, errs.KindOf(classify("op", &common.APIError{Code: -2019, Message: "Margin is insufficient."})))
}

func TestFromConfigRequiresKeysInLive(t *testing.T) {
	cfg := &store.Config{Mode: store.ModeLive}
	_, err := FromConfig(cfg, func(string) string { return "" })
	assert.True(t, errs.IsFatal(err))

	cfg.Mode = store.ModeDryRun
	c, err := FromConfig(cfg, func(string) string { return "" })
	require.NoError(t, err)
	assert.True(t, c.SupportsAttachedOrders())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.12", format(0.12))
	assert.Equal(t, "107343", format(107343.0))
}
