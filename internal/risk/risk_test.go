package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/types"
)

func manager() *Manager {
	return NewManager(Params{
		MinConfidence:   0.6,
		MaxPositionPct:  50,
		MaxLeverage:     10,
		DefaultLeverage: 3,
		MaxExposurePct:  200,
		DailyLossLimit:  500,
		DefaultQtyStep:  0.001,
	})
}

func account() types.AccountState {
	return types.AccountState{Cash: 10000, Equity: 10000, Available: 10000}
}

func long(conf float64) types.ProposedAction {
	return types.ProposedAction{
		Symbol: "BTCUSDT", Direction: types.Long, Confidence: conf, Leverage: 5, SizePct: 10,
		TakeProfit: 110000, StopLoss: 95000,
	}
}

func TestHoldIsNoop(t *testing.T) {
	d := manager().Evaluate(types.ProposedAction{Symbol: "BTCUSDT", Direction: types.Hold}, 100000, account(), nil, DayState{})
	assert.True(t, d.Noop())
}

func TestConfidenceFloor(t *testing.T) {
	d := manager().Evaluate(long(0.5), 100000, account(), nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonLowConfidence, d.Rejected.Reason)
}

func TestSizeIsMinOfProposedAndCap(t *testing.T) {
	m := manager()

	// 10% × 10000 × 5x / 100000 = 0.05, cap 50% × 10000 / 100000 = 0.05
	d := m.Evaluate(long(0.8), 100000, account(), nil, DayState{})
	require.NotNil(t, d.Approved)
	assert.InDelta(t, 0.05, d.Approved.Quantity, 1e-12)
	assert.Equal(t, 5, d.Approved.Leverage)

	// 40% × 5x would be 0.2; the cap wins.
	big := long(0.8)
	big.SizePct = 40
	d = m.Evaluate(big, 100000, account(), nil, DayState{})
	require.NotNil(t, d.Approved)
	assert.InDelta(t, 0.05, d.Approved.Quantity, 1e-12)
}

func TestLeverageClamped(t *testing.T) {
	p := long(0.8)
	p.Leverage = 50
	d := manager().Evaluate(p, 100000, account(), nil, DayState{})
	require.NotNil(t, d.Approved)
	assert.Equal(t, 10, d.Approved.Leverage)

	p.Leverage = 0
	d = manager().Evaluate(p, 100000, account(), nil, DayState{})
	require.NotNil(t, d.Approved)
	assert.Equal(t, 3, d.Approved.Leverage)
}

func TestSizeZeroAfterRounding(t *testing.T) {
	acct := types.AccountState{Equity: 10, Available: 10}
	d := manager().Evaluate(long(0.8), 100000, acct, nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonSizeZero, d.Rejected.Reason)
}

func TestInsufficientMargin(t *testing.T) {
	acct := account()
	acct.Available = 100
	d := manager().Evaluate(long(0.8), 100000, acct, nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonInsufficientMargin, d.Rejected.Reason)
}

func TestExposureCeiling(t *testing.T) {
	acct := account()
	acct.Exposure = 19800
	d := manager().Evaluate(long(0.8), 100000, acct, nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonExposureCeiling, d.Rejected.Reason)
}

func TestDailyLossLimitForcesFlat(t *testing.T) {
	d := manager().Evaluate(long(0.8), 100000, account(), nil, DayState{RealizedPnL: -600})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonDailyLossLimit, d.Rejected.Reason)
	assert.True(t, d.Rejected.ForceFlat)
}

func TestDailyLossAtLimitStillTrades(t *testing.T) {
	d := manager().Evaluate(long(0.8), 100000, account(), nil, DayState{RealizedPnL: -500})
	require.NotNil(t, d.Approved)

	d = manager().Evaluate(long(0.8), 100000, account(), nil, DayState{RealizedPnL: -500.01})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonDailyLossLimit, d.Rejected.Reason)
	assert.True(t, d.Rejected.ForceFlat)
}

func TestLongStopAboveEntryIsRejected(t *testing.T) {
	p := long(0.9)
	p.StopLoss = 101000 // above the 100000 entry
	d := manager().Evaluate(p, 100000, account(), nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonMalformedExitPlan, d.Rejected.Reason)
}

func TestShortExitPlan(t *testing.T) {
	p := types.ProposedAction{Symbol: "ETHUSDT", Direction: types.Short, Confidence: 0.9, SizePct: 10,
		TakeProfit: 3500, StopLoss: 4200}
	d := manager().Evaluate(p, 4000, account(), nil, DayState{})
	require.NotNil(t, d.Approved)
	assert.Equal(t, 3500.0, d.Approved.TakeProfit)
	assert.Equal(t, 4200.0, d.Approved.StopLoss)
	assert.InDelta(t, 200*d.Approved.Quantity, d.Approved.RiskCommitted, 1e-9)

	p.TakeProfit, p.StopLoss = 4200, 3500
	d = manager().Evaluate(p, 4000, account(), nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonMalformedExitPlan, d.Rejected.Reason)
}

func TestInvalidationAlreadyCrossed(t *testing.T) {
	p := long(0.9)
	p.Invalidation = types.InvalidationRule{Price: 100500, Op: types.InvalidateBelow}
	d := manager().Evaluate(p, 100000, account(), nil, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonInvalidationCrossed, d.Rejected.Reason)
}

func TestExistingPosition(t *testing.T) {
	pos := &types.Position{Symbol: "BTCUSDT", State: types.StateOpen, Direction: types.Long, Quantity: 0.12, Leverage: 10}

	d := manager().Evaluate(long(0.9), 100000, account(), pos, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonAlreadyOpen, d.Rejected.Reason)

	short := long(0.9)
	short.Direction = types.Short
	d = manager().Evaluate(short, 100000, account(), pos, DayState{})
	require.NotNil(t, d.Approved)
	assert.True(t, d.Approved.Close)
	assert.Equal(t, 0.12, d.Approved.Quantity)

	closeIt := types.ProposedAction{Symbol: "BTCUSDT", Direction: types.Flat, Confidence: 0.7}
	d = manager().Evaluate(closeIt, 100000, account(), pos, DayState{})
	require.NotNil(t, d.Approved)
	assert.True(t, d.Approved.Close)

	pos.State = types.StatePendingClose
	d = manager().Evaluate(closeIt, 100000, account(), pos, DayState{})
	require.NotNil(t, d.Rejected)
	assert.Equal(t, ReasonPositionPending, d.Rejected.Reason)
}

func TestCloseWhenFlatIsNoop(t *testing.T) {
	closeIt := types.ProposedAction{Symbol: "BTCUSDT", Direction: types.Flat, Confidence: 0.9}
	assert.True(t, manager().Evaluate(closeIt, 100000, account(), nil, DayState{}).Noop())
}

func TestReserve(t *testing.T) {
	acct := Reserve(account(), types.ApprovedOrder{Quantity: 0.05, RefPrice: 100000, Leverage: 5})
	assert.InDelta(t, 5000, acct.Exposure, 1e-9)
	assert.InDelta(t, 9000, acct.Available, 1e-9)
}

func TestRoundDown(t *testing.T) {
	assert.Equal(t, 0.123, RoundDown(0.12345, 0.001))
	assert.Equal(t, 12.0, RoundDown(12.9, 1))
	assert.Equal(t, 0.0, RoundDown(-1, 0.1))
}
