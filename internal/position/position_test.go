package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/types"
)

type fakeExchange struct {
	mu          sync.Mutex
	seq         int
	now         time.Time
	price       map[string]float64
	fills       map[string][]types.FillEvent
	orders      map[string]types.OrderAck
	placed      []types.OrderReq
	cancelled   []string
	positions   []types.ExchangePosition
	openOrders  []types.ExchangeOrder
	fillMarkets bool
	attach      bool
}

func newFake(now time.Time) *fakeExchange {
	return &fakeExchange{
		now:         now,
		price:       map[string]float64{},
		fills:       map[string][]types.FillEvent{},
		orders:      map[string]types.OrderAck{},
		fillMarkets: true,
		attach:      true,
	}
}

func (f *fakeExchange) Candles(context.Context, string, string, int) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) MarketStats(_ context.Context, symbol string) (types.MarketStats, error) {
	return types.MarketStats{Symbol: symbol, MarkPrice: f.price[symbol]}, nil
}

func (f *fakeExchange) Balance(context.Context) (types.Balance, error) {
	return types.Balance{Wallet: 10000, Available: 10000}, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req types.OrderReq) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("o%d", f.seq)
	f.placed = append(f.placed, req)
	ack := types.OrderAck{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Status: types.StatusNew}
	if req.Type == types.Market && f.fillMarkets {
		px := f.price[req.Symbol]
		f.fills[req.Symbol] = append(f.fills[req.Symbol], types.FillEvent{
			ID: "f" + id, OrderID: id, Symbol: req.Symbol, Side: req.Side,
			Price: px, Quantity: req.Quantity, Time: f.now,
		})
		ack.Status, ack.FilledQty, ack.AvgPrice = types.StatusFilled, req.Quantity, px
	}
	f.orders[id] = ack
	return ack, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol, orderID string) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ack, ok := f.orders[orderID]
	if !ok {
		return types.OrderAck{}, errors.New("unknown order")
	}
	f.cancelled = append(f.cancelled, orderID)
	if !ack.Status.Terminal() {
		ack.Status = types.StatusCanceled
		f.orders[orderID] = ack
	}
	return ack, nil
}

func (f *fakeExchange) OrderStatus(_ context.Context, _, orderID string) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ack, ok := f.orders[orderID]
	if !ok {
		return types.OrderAck{}, errors.New("unknown order")
	}
	return ack, nil
}

func (f *fakeExchange) Fills(_ context.Context, symbol string, since time.Time) ([]types.FillEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.FillEvent
	for _, fl := range f.fills[symbol] {
		if !fl.Time.Before(since) {
			out = append(out, fl)
		}
	}
	return out, nil
}

func (f *fakeExchange) OpenPositions(context.Context) ([]types.ExchangePosition, error) {
	return f.positions, nil
}

func (f *fakeExchange) OpenOrders(_ context.Context, symbol string) ([]types.ExchangeOrder, error) {
	var out []types.ExchangeOrder
	for _, o := range f.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) SupportsAttachedOrders() bool { return f.attach }

func (f *fakeExchange) addFill(fl types.FillEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[fl.Symbol] = append(f.fills[fl.Symbol], fl)
}

type recorder struct{ trades []types.TradeResult }

func (r *recorder) RecordTrade(_ context.Context, tr types.TradeResult) error {
	r.trades = append(r.trades, tr)
	return nil
}

// flakyRecorder fails the first fail calls, like a ledger on a full disk.
type flakyRecorder struct {
	fail   int
	calls  int
	trades []types.TradeResult
}

func (r *flakyRecorder) RecordTrade(_ context.Context, tr types.TradeResult) error {
	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("ledger: no space left on device")
	}
	r.trades = append(r.trades, tr)
	return nil
}

type memJournal map[string]bool

func (j memJournal) Seen(key string) (bool, error) { return j[key], nil }
func (j memJournal) Mark(key string) error        { j[key] = true; return nil }

var t0 = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, opt Options) (*Manager, *fakeExchange, *recorder) {
	t.Helper()
	ex := newFake(t0)
	ex.price["BTCUSDT"] = 107343.0
	rec := &recorder{}
	if opt.Now == nil {
		opt.Now = func() time.Time { return ex.now }
	}
	opt.MaintenanceMarginRate = 0.004
	return NewManager(ex, rec, memJournal{}, opt), ex, rec
}

func btcLong() types.ApprovedOrder {
	return types.ApprovedOrder{
		Symbol: "BTCUSDT", Direction: types.Long, Quantity: 0.12, Leverage: 10,
		RefPrice: 107343.0, StopLoss: 102000, TakeProfit: 118000, Confidence: 0.8,
		Invalidation: types.InvalidationRule{Price: 105000, Op: types.InvalidateBelow},
	}
}

func TestOpenMarketAndUnrealizedPnL(t *testing.T) {
	m, ex, _ := setup(t, Options{AttachExits: true})
	ctx := context.Background()

	require.NoError(t, m.Open(ctx, btcLong(), 1))

	p, ok := m.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.StateOpen, p.State)
	assert.Equal(t, 0.12, p.Quantity)
	assert.Equal(t, 107343.0, p.EntryPrice)
	assert.NotEmpty(t, p.StopOrderID)
	assert.NotEmpty(t, p.TakeProfitID)
	require.Len(t, ex.placed, 3)
	assert.Equal(t, types.StopMarket, ex.placed[1].Type)
	assert.Equal(t, types.Sell, ex.placed[1].Side)
	assert.True(t, ex.placed[1].ClosePosition)
	assert.Equal(t, types.TakeProfitMarket, ex.placed[2].Type)

	triggered, err := m.MarkPrice(ctx, "BTCUSDT", 113975.5, 2)
	require.NoError(t, err)
	assert.False(t, triggered)

	p, _ = m.Get("BTCUSDT")
	assert.Equal(t, 795.9, p.UnrealizedPnL)
	assert.InDelta(t, 107343.0*(1-0.1+0.004), p.LiquidationPrice, 1e-6)

	acct := m.Account(types.Balance{Wallet: 10000, Available: 8700}, t0)
	assert.Equal(t, 10795.9, acct.Equity)
	assert.InDelta(t, 0.12*113975.5, acct.Exposure, 1e-9)
	assert.InDelta(t, 0.12*113975.5/10, acct.MarginUsed, 1e-9)
	assert.Equal(t, 1, acct.Positions)
}

func TestOpenRefusesWhenNotFlat(t *testing.T) {
	m, _, _ := setup(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 5))

	err := m.Open(ctx, btcLong(), 5)
	assert.ErrorIs(t, err, ErrNotFlat)

	err = m.Open(ctx, btcLong(), 4)
	assert.ErrorIs(t, err, ErrStaleSeq)

	_, err = m.MarkPrice(ctx, "BTCUSDT", 110000, 3)
	assert.ErrorIs(t, err, ErrStaleSeq)
}

func TestDuplicateFillIsIdempotent(t *testing.T) {
	m, ex, _ := setup(t, Options{EntryType: types.Limit, LimitOffsetBps: 10, PriceTick: map[string]float64{"BTCUSDT": 0.1}})
	ctx := context.Background()

	require.NoError(t, m.Open(ctx, btcLong(), 1))
	p, _ := m.Get("BTCUSDT")
	require.Equal(t, types.StatePendingOpen, p.State)
	assert.True(t, p.WaitForFill)
	assert.Equal(t, 107235.6, ex.placed[0].Price)

	fill := types.FillEvent{ID: "t1", OrderID: p.EntryOrderID, Symbol: "BTCUSDT", Side: types.Buy,
		Price: 107235.6, Quantity: 0.12, Time: t0}
	require.NoError(t, m.ApplyFill(ctx, fill))
	require.NoError(t, m.ApplyFill(ctx, fill))

	p, _ = m.Get("BTCUSDT")
	assert.Equal(t, types.StateOpen, p.State)
	assert.Equal(t, 0.12, p.Quantity)
	assert.False(t, p.WaitForFill)

	// the same fill seen again through polling changes nothing
	ex.addFill(fill)
	require.NoError(t, m.Sync(ctx))
	p, _ = m.Get("BTCUSDT")
	assert.Equal(t, 0.12, p.Quantity)
}

func TestFillJournalSurvivesRestart(t *testing.T) {
	ex := newFake(t0)
	j := memJournal{}
	fill := types.FillEvent{ID: "t1", OrderID: "x", Symbol: "BTCUSDT", Side: types.Buy, Price: 100, Quantity: 1, Time: t0}

	pos := types.Position{Symbol: "BTCUSDT", State: types.StatePendingOpen, Direction: types.Long, TargetQty: 1, EntryOrderID: "x"}
	a := NewManager(ex, nil, j, Options{})
	a.Restore([]types.Position{pos}, nil)
	require.NoError(t, a.ApplyFill(context.Background(), fill))

	b := NewManager(ex, nil, j, Options{})
	b.Restore([]types.Position{pos}, nil)
	require.NoError(t, b.ApplyFill(context.Background(), fill))
	p, _ := b.Get("BTCUSDT")
	assert.Equal(t, 0.0, p.Quantity)
	assert.Equal(t, types.StatePendingOpen, p.State)
}

func TestInvalidationClosesWithoutTouchingStop(t *testing.T) {
	m, ex, rec := setup(t, Options{AttachExits: true})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))
	opened, _ := m.Get("BTCUSDT")

	ex.fillMarkets = false
	triggered, err := m.MarkPrice(ctx, "BTCUSDT", 104500, 2)
	require.NoError(t, err)
	assert.True(t, triggered)

	p, _ := m.Get("BTCUSDT")
	assert.Equal(t, types.StatePendingClose, p.State)
	assert.Equal(t, "invalidation", p.CloseReason)
	assert.Equal(t, opened.StopOrderID, p.StopOrderID)
	assert.Equal(t, 102000.0, p.StopLoss)
	assert.NotContains(t, ex.cancelled, opened.StopOrderID)
	last := ex.placed[len(ex.placed)-1]
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, types.Sell, last.Side)

	// the resting stop fires before the close fills; the reason stays
	ex.addFill(types.FillEvent{ID: "s1", OrderID: opened.StopOrderID, Symbol: "BTCUSDT", Side: types.Sell,
		Price: 102000, Quantity: 0.12, Time: t0.Add(time.Minute)})
	require.NoError(t, m.Sync(ctx))

	_, ok := m.Get("BTCUSDT")
	assert.False(t, ok)
	require.Len(t, rec.trades, 1)
	assert.Equal(t, "invalidation", rec.trades[0].Reason)
	assert.InDelta(t, (102000-107343.0)*0.12, rec.trades[0].PnL, 1e-9)
	assert.Contains(t, ex.cancelled, opened.TakeProfitID)
}

func TestInvalidationWinsOverSoftwareStop(t *testing.T) {
	m, ex, rec := setup(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))

	// below both the invalidation level and the stop
	ex.price["BTCUSDT"] = 101000
	triggered, err := m.MarkPrice(ctx, "BTCUSDT", 101000, 2)
	require.NoError(t, err)
	assert.True(t, triggered)
	require.Len(t, rec.trades, 1)
	assert.Equal(t, "invalidation", rec.trades[0].Reason)
	assert.Equal(t, 101000.0, rec.trades[0].ExitPrice)
}

func TestSoftwareTakeProfit(t *testing.T) {
	m, ex, rec := setup(t, Options{})
	ctx := context.Background()
	o := btcLong()
	o.Invalidation = types.InvalidationRule{}
	require.NoError(t, m.Open(ctx, o, 1))

	ex.price["BTCUSDT"] = 118500
	triggered, err := m.MarkPrice(ctx, "BTCUSDT", 118500, 2)
	require.NoError(t, err)
	assert.True(t, triggered)
	require.Len(t, rec.trades, 1)
	assert.Equal(t, "take_profit", rec.trades[0].Reason)
	assert.Greater(t, rec.trades[0].PnL, 0.0)
}

func TestExitFillBeyondRemainingIsCapped(t *testing.T) {
	m, ex, rec := setup(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))

	ex.addFill(types.FillEvent{ID: "x1", OrderID: "manual", Symbol: "BTCUSDT", Side: types.Sell,
		Price: 108343.0, Quantity: 0.5, Time: t0.Add(time.Minute)})
	require.NoError(t, m.Sync(ctx))

	require.Len(t, rec.trades, 1)
	assert.Equal(t, 0.12, rec.trades[0].Quantity)
	assert.InDelta(t, 120.0, rec.trades[0].PnL, 1e-9)
	assert.Equal(t, "external", rec.trades[0].Reason)
}

func TestPendingEntryTimesOut(t *testing.T) {
	m, ex, _ := setup(t, Options{EntryType: types.Limit, PendingTimeout: 2 * time.Minute})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))

	ex.now = t0.Add(time.Minute)
	require.NoError(t, m.Sync(ctx))
	_, ok := m.Get("BTCUSDT")
	assert.True(t, ok)

	ex.now = t0.Add(3 * time.Minute)
	require.NoError(t, m.Sync(ctx))
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)
	assert.Len(t, ex.cancelled, 1)
}

func TestCloseWhilePendingCancelsEntry(t *testing.T) {
	m, ex, rec := setup(t, Options{EntryType: types.Limit})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))

	require.NoError(t, m.Close(ctx, "BTCUSDT", "oracle_close", 2))
	_, ok := m.Get("BTCUSDT")
	assert.False(t, ok)
	assert.Len(t, ex.cancelled, 1)
	assert.Empty(t, rec.trades)
}

func TestReconcileClosedOnExchange(t *testing.T) {
	m, _, _ := setup(t, Options{})
	m.Restore([]types.Position{{
		Symbol: "BTCUSDT", State: types.StateOpen, Direction: types.Long,
		Quantity: 0.12, EntryPrice: 107343.0, Leverage: 10,
	}}, nil)

	mm, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, mm, 1)
	assert.Equal(t, ClosedOnExchange, mm[0].Discrepancy)
	assert.Equal(t, 0.12, mm[0].LocalQty)
	assert.Error(t, mm[0].Err)

	_, ok := m.Get("BTCUSDT")
	assert.False(t, ok)

	mm, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mm)
}

func TestReconcileDriftAndAdoption(t *testing.T) {
	m, ex, _ := setup(t, Options{})
	m.Restore([]types.Position{{
		Symbol: "BTCUSDT", State: types.StateOpen, Direction: types.Long,
		Quantity: 0.12, EntryPrice: 107343.0, Leverage: 10,
	}}, nil)
	ex.positions = []types.ExchangePosition{
		{Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 107000, MarkPrice: 108000, LiquidationPrice: 97000, Leverage: 10},
		{Symbol: "ETHUSDT", Quantity: -2, EntryPrice: 4000, MarkPrice: 3900, Leverage: 5},
	}
	ex.openOrders = []types.ExchangeOrder{
		{OrderID: "sl-eth", Symbol: "ETHUSDT", Side: types.Buy, Type: types.StopMarket, StopPrice: 4200, ReduceOnly: true},
	}

	mm, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, mm, 2)
	assert.Equal(t, QuantityDrift, mm[0].Discrepancy)
	assert.Equal(t, UnknownOnExchange, mm[1].Discrepancy)

	btc, _ := m.Get("BTCUSDT")
	assert.Equal(t, 0.1, btc.Quantity)
	assert.Equal(t, 107000.0, btc.EntryPrice)
	assert.Equal(t, 97000.0, btc.LiquidationPrice)

	eth, ok := m.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, types.Short, eth.Direction)
	assert.Equal(t, types.StateOpen, eth.State)
	assert.Equal(t, "sl-eth", eth.StopOrderID)
	assert.Equal(t, 4200.0, eth.StopLoss)
	assert.InDelta(t, 200.0, eth.UnrealizedPnL, 1e-9)
}

func TestReconcileKeepsWorkingEntry(t *testing.T) {
	m, _, _ := setup(t, Options{EntryType: types.Limit})
	require.NoError(t, m.Open(context.Background(), btcLong(), 1))

	mm, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mm)
	_, ok := m.Get("BTCUSDT")
	assert.True(t, ok)
}

func TestPnLMath(t *testing.T) {
	assert.Equal(t, 795.9, Unrealized(107343.0, 113975.5, 0.12))
	assert.Equal(t, -795.9, Unrealized(107343.0, 113975.5, -0.12))
	assert.Equal(t, 0.0, Unrealized(0, 100, 1))
	assert.Equal(t, 60.0, Realized(types.Short, 4000, 3970, 2))
	assert.Equal(t, 100.5, averagePrice(100, 1, 101, 1))
	assert.Equal(t, 107235.6, roundToTick(107235.657, 0.1, false))
	assert.Equal(t, 107235.7, roundToTick(107235.601, 0.1, true))
}

func TestTradeKeptUntilRecorded(t *testing.T) {
	ex := newFake(t0)
	ex.price["BTCUSDT"] = 107343.0
	rec := &flakyRecorder{fail: 2}
	j := memJournal{}
	m := NewManager(ex, rec, j, Options{MaintenanceMarginRate: 0.004, Now: func() time.Time { return ex.now }})
	ctx := context.Background()

	require.NoError(t, m.Open(ctx, btcLong(), 1))
	ex.price["BTCUSDT"] = 108343.0
	ex.now = t0.Add(time.Minute)

	err := m.Close(ctx, "BTCUSDT", "oracle_close", 2)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	p, ok := m.Get("BTCUSDT")
	require.True(t, ok, "position must survive a failed trade write")
	assert.Equal(t, types.StatePendingClose, p.State)
	assert.Equal(t, 0.0, p.Quantity)
	require.NotNil(t, p.PendingTrade)
	assert.InDelta(t, 120.0, p.PendingTrade.PnL, 1e-9)
	assert.False(t, j["BTCUSDT:fo2"])
	assert.Equal(t, 0, m.Account(types.Balance{Wallet: 10000}, ex.now).Positions)

	// a replay of the closing fill retries the write and fails again
	closing := ex.fills["BTCUSDT"][1]
	require.Error(t, m.ApplyFill(ctx, closing))
	assert.Empty(t, rec.trades)
	assert.False(t, j["BTCUSDT:fo2"])

	require.NoError(t, m.Sync(ctx))
	require.Len(t, rec.trades, 1)
	assert.InDelta(t, 120.0, rec.trades[0].PnL, 1e-9)
	assert.Equal(t, "oracle_close", rec.trades[0].Reason)
	assert.True(t, j["BTCUSDT:fo2"])
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)

	require.NoError(t, m.ApplyFill(ctx, closing))
	require.NoError(t, m.Sync(ctx))
	assert.Len(t, rec.trades, 1)
	assert.Equal(t, 3, rec.calls)
}

func TestReplayedExitFillsDoNotMoveStats(t *testing.T) {
	ex := newFake(t0)
	ex.price["BTCUSDT"] = 107343.0
	tr := performance.NewTracker(10000, 365, nil)
	m := NewManager(ex, tr, memJournal{}, Options{MaintenanceMarginRate: 0.004, Now: func() time.Time { return ex.now }})
	ctx := context.Background()

	require.NoError(t, m.Open(ctx, btcLong(), 1))
	ex.fillMarkets = false

	partial := types.FillEvent{ID: "x1", OrderID: "ext", Symbol: "BTCUSDT", Side: types.Sell,
		Price: 108343.0, Quantity: 0.05, Time: t0.Add(time.Minute)}
	ex.now = partial.Time
	ex.addFill(partial)
	require.NoError(t, m.Sync(ctx))

	p, ok := m.Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.07, p.AbsQty(), 1e-12)
	require.NotEmpty(t, p.CloseOrderID)

	require.NoError(t, m.ApplyFill(ctx, partial))
	require.NoError(t, m.Sync(ctx))
	p, _ = m.Get("BTCUSDT")
	assert.InDelta(t, 0.07, p.AbsQty(), 1e-12)
	assert.InDelta(t, 50.0, p.RealizedPnL, 1e-9)
	assert.Equal(t, 0, tr.Stats().Trades)

	final := types.FillEvent{ID: "x2", OrderID: p.CloseOrderID, Symbol: "BTCUSDT", Side: types.Sell,
		Price: 108343.0, Quantity: 0.07, Time: t0.Add(2 * time.Minute)}
	ex.now = final.Time
	ex.addFill(final)
	require.NoError(t, m.Sync(ctx))

	st := tr.Stats()
	require.Equal(t, 1, st.Trades)
	assert.InDelta(t, 120.0, st.RealizedPnL, 1e-9)

	for _, f := range []types.FillEvent{partial, final, partial} {
		require.NoError(t, m.ApplyFill(ctx, f))
	}
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, st.Trades, tr.Stats().Trades)
	assert.Equal(t, st.RealizedPnL, tr.Stats().RealizedPnL)
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestPartialEntryRemainderTimesOut(t *testing.T) {
	m, ex, _ := setup(t, Options{EntryType: types.Limit, PendingTimeout: 2 * time.Minute})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))
	p, _ := m.Get("BTCUSDT")
	entryID := p.EntryOrderID

	require.NoError(t, m.ApplyFill(ctx, types.FillEvent{ID: "t1", OrderID: entryID, Symbol: "BTCUSDT",
		Side: types.Buy, Price: 107343.0, Quantity: 0.05, Time: t0.Add(30 * time.Second)}))
	p, _ = m.Get("BTCUSDT")
	require.Equal(t, types.StateOpen, p.State)
	require.True(t, p.WaitForFill)

	ex.now = t0.Add(time.Minute)
	require.NoError(t, m.Sync(ctx))
	assert.Empty(t, ex.cancelled)

	ex.now = t0.Add(3 * time.Minute)
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, []string{entryID}, ex.cancelled)

	p, ok := m.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.StateOpen, p.State)
	assert.False(t, p.WaitForFill)
	assert.InDelta(t, 0.05, p.TargetQty, 1e-12)
	assert.InDelta(t, 0.05, p.AbsQty(), 1e-12)
}

func TestOrderUpdateEndsUnfilledEntry(t *testing.T) {
	m, _, _ := setup(t, Options{EntryType: types.Limit})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, btcLong(), 1))
	p, _ := m.Get("BTCUSDT")

	// unknown symbols and non-terminal reports are ignored
	m.ApplyOrderUpdate(ctx, types.OrderAck{OrderID: p.EntryOrderID, Symbol: "ETHUSDT", Status: types.StatusCanceled})
	m.ApplyOrderUpdate(ctx, types.OrderAck{OrderID: p.EntryOrderID, Symbol: "BTCUSDT", Status: types.StatusNew})
	_, ok := m.Get("BTCUSDT")
	require.True(t, ok)

	m.ApplyOrderUpdate(ctx, types.OrderAck{OrderID: p.EntryOrderID, Symbol: "BTCUSDT", Status: types.StatusExpired})
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)
}
