// Package risk turns oracle proposals into sized, leverage-capped orders or
// rejections. It has no side effects.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

// Rejection reasons.
const (
	ReasonLowConfidence       = "low_confidence"
	ReasonNoPrice             = "no_price"
	ReasonNoEquity            = "no_equity"
	ReasonSizeZero            = "size_zero"
	ReasonInsufficientMargin  = "insufficient_margin"
	ReasonExposureCeiling     = "exposure_ceiling"
	ReasonDailyLossLimit      = "daily_loss_limit"
	ReasonMalformedExitPlan   = "malformed_exit_plan"
	ReasonInvalidationCrossed = "invalidation_already_crossed"
	ReasonAlreadyOpen         = "already_open"
	ReasonPositionPending     = "position_pending"
)

type Params struct {
	MinConfidence   float64
	MaxPositionPct  float64
	MaxLeverage     int
	DefaultLeverage int
	MaxExposurePct  float64
	DailyLossLimit  float64
	DefaultQtyStep  float64
	QtyStep         map[string]float64
}

func ParamsFromConfig(cfg *store.Config) Params {
	return Params{
		MinConfidence:   cfg.Risk.MinConfidence,
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		DefaultLeverage: cfg.Risk.DefaultLeverage,
		MaxExposurePct:  cfg.Risk.MaxExposurePct,
		DailyLossLimit:  cfg.Risk.DailyLossLimit,
		DefaultQtyStep:  cfg.Execution.DefaultQtyStep,
		QtyStep:         cfg.Execution.QtyStep,
	}
}

// DayState is what the loss-limit rule needs about the current trading day.
type DayState struct {
	// RealizedPnL since the start of the UTC day. Losses are negative.
	RealizedPnL float64
}

// Decision holds exactly one of Approved or Rejected, or neither for a no-op.
type Decision struct {
	Approved *types.ApprovedOrder
	Rejected *types.Rejection
}

func (d Decision) Noop() bool { return d.Approved == nil && d.Rejected == nil }

type Manager struct {
	p Params
}

func NewManager(p Params) *Manager {
	if p.MaxLeverage < 1 {
		p.MaxLeverage = 1
	}
	if p.DefaultLeverage < 1 {
		p.DefaultLeverage = 1
	}
	return &Manager{p: p}
}

// Evaluate applies the policy in order: confidence floor, sizing and leverage
// cap, margin and exposure, daily loss limit, exit plan sides.
//
// Parameters:
//   - p: the oracle proposal for one symbol
//   - price: the snapshot price used as the entry reference
//   - acct: account state for this tick, already reduced by earlier approvals
//   - existing: the symbol's position, nil when flat
//   - day: realized PnL for the current trading day
func (m *Manager) Evaluate(p types.ProposedAction, price float64, acct types.AccountState, existing *types.Position, day DayState) Decision {
	if p.Direction == types.Hold || p.Direction == "" {
		return Decision{}
	}

	open := existing != nil && existing.State != types.StateFlat
	if p.Direction == types.Flat && !open {
		return Decision{}
	}

	// 1. confidence floor
	if p.Confidence < m.p.MinConfidence {
		return reject(p.Symbol, ReasonLowConfidence, fmt.Sprintf("%.2f < %.2f", p.Confidence, m.p.MinConfidence), false)
	}

	if open {
		if existing.State != types.StateOpen {
			return reject(p.Symbol, ReasonPositionPending, string(existing.State), false)
		}
		switch p.Direction {
		case types.Flat:
			return closeOrder(existing, price, p, "oracle_close")
		case existing.Direction:
			return reject(p.Symbol, ReasonAlreadyOpen, string(existing.Direction), false)
		default:
			// Reversal: flatten first, the next tick may open the other way.
			return closeOrder(existing, price, p, "oracle_reverse")
		}
	}

	if price <= 0 || math.IsNaN(price) {
		return reject(p.Symbol, ReasonNoPrice, "", false)
	}
	if acct.Equity <= 0 {
		return reject(p.Symbol, ReasonNoEquity, fmt.Sprintf("equity %.2f", acct.Equity), false)
	}

	// 2. size = min(proposed, max_position_pct × equity / price), leverage capped
	lev := p.Leverage
	if lev <= 0 {
		lev = m.p.DefaultLeverage
	}
	lev = min(max(lev, 1), m.p.MaxLeverage)

	capQty := m.p.MaxPositionPct / 100 * acct.Equity / price
	qty := capQty
	if p.SizePct > 0 {
		qty = math.Min(p.SizePct/100*acct.Equity*float64(lev)/price, capQty)
	}
	qty = RoundDown(qty, m.stepFor(p.Symbol))
	if qty <= 0 {
		return reject(p.Symbol, ReasonSizeZero, fmt.Sprintf("step %g", m.stepFor(p.Symbol)), false)
	}
	notional := qty * price

	// 3. margin and aggregate exposure
	margin := notional / float64(lev)
	if margin > acct.Available {
		return reject(p.Symbol, ReasonInsufficientMargin, fmt.Sprintf("margin %.2f > available %.2f", margin, acct.Available), false)
	}
	exposurePct := (acct.Exposure + notional) / acct.Equity * 100
	if exposurePct > m.p.MaxExposurePct {
		return reject(p.Symbol, ReasonExposureCeiling, fmt.Sprintf("%.1f%% > %.1f%%", exposurePct, m.p.MaxExposurePct), false)
	}

	// 4. daily realized loss, tripped once the loss exceeds the limit
	if m.p.DailyLossLimit > 0 && -day.RealizedPnL > m.p.DailyLossLimit {
		return reject(p.Symbol, ReasonDailyLossLimit, fmt.Sprintf("realized %.2f", day.RealizedPnL), true)
	}

	// 5. exit plan on the correct sides of entry
	if !ExitPlanValid(p.Direction, price, p.TakeProfit, p.StopLoss) {
		return reject(p.Symbol, ReasonMalformedExitPlan,
			fmt.Sprintf("%s entry %.4f tp %.4f sl %.4f", p.Direction, price, p.TakeProfit, p.StopLoss), false)
	}
	if p.Invalidation.Triggered(price) {
		return reject(p.Symbol, ReasonInvalidationCrossed, fmt.Sprintf("%s %.4f", p.Invalidation.Op, p.Invalidation.Price), false)
	}

	return Decision{Approved: &types.ApprovedOrder{
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Quantity:      qty,
		Leverage:      lev,
		RefPrice:      price,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		Invalidation:  p.Invalidation,
		Confidence:    p.Confidence,
		RiskCommitted: math.Abs(price-p.StopLoss) * qty,
		Reason:        "oracle_open",
	}}
}

// ForceFlat builds the close order used when the loss limit trips.
func ForceFlat(existing *types.Position, price float64) *types.ApprovedOrder {
	if existing == nil || existing.State != types.StateOpen {
		return nil
	}
	return closeOrder(existing, price, types.ProposedAction{Symbol: existing.Symbol}, ReasonDailyLossLimit).Approved
}

// ExitPlanValid reports target > entry > stop for longs and the inverse for shorts.
func ExitPlanValid(d types.Direction, entry, target, stop float64) bool {
	if entry <= 0 || target <= 0 || stop <= 0 {
		return false
	}
	switch d {
	case types.Long:
		return target > entry && entry > stop
	case types.Short:
		return target < entry && entry < stop
	}
	return false
}

// RoundDown truncates qty to a multiple of step.
func RoundDown(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return math.Max(qty, 0)
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).InexactFloat64()
}

func (m *Manager) stepFor(symbol string) float64 {
	if s, ok := m.p.QtyStep[symbol]; ok && s > 0 {
		return s
	}
	return m.p.DefaultQtyStep
}

func closeOrder(pos *types.Position, price float64, p types.ProposedAction, reason string) Decision {
	return Decision{Approved: &types.ApprovedOrder{
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Close:      true,
		Quantity:   pos.AbsQty(),
		Leverage:   pos.Leverage,
		RefPrice:   price,
		Confidence: p.Confidence,
		Reason:     reason,
	}}
}

func reject(symbol, reason, detail string, forceFlat bool) Decision {
	return Decision{Rejected: &types.Rejection{Symbol: symbol, Reason: reason, Detail: detail, ForceFlat: forceFlat}}
}

// Reserve returns acct with an approved order's margin and exposure applied,
// so later symbols in the same tick see consistent state.
func Reserve(acct types.AccountState, o types.ApprovedOrder) types.AccountState {
	if o.Close || o.Leverage <= 0 {
		return acct
	}
	n := o.Notional()
	acct.Exposure += n
	acct.MarginUsed += n / float64(o.Leverage)
	acct.Available -= n / float64(o.Leverage)
	return acct
}
