package position

import (
	"math"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Unrealized is (mark − entry) × signed quantity.
func Unrealized(entry, mark, signedQty float64) float64 {
	if entry <= 0 || mark <= 0 || signedQty == 0 {
		return 0
	}
	return d(mark).Sub(d(entry)).Mul(d(signedQty)).InexactFloat64()
}

// Realized is the PnL of closing qty (unsigned) of a dir position at exit.
func Realized(dir types.Direction, entry, exit, qty float64) float64 {
	return d(exit).Sub(d(entry)).Mul(d(qty)).Mul(d(dir.Sign())).InexactFloat64()
}

func averagePrice(oldPx, oldQty, px, qty float64) float64 {
	total := d(oldQty).Add(d(qty))
	if total.IsZero() {
		return 0
	}
	return d(oldPx).Mul(d(oldQty)).Add(d(px).Mul(d(qty))).Div(total).InexactFloat64()
}

// LiquidationEstimate uses the isolated margin approximation. The exchange's
// own figure replaces it on reconcile.
func LiquidationEstimate(dir types.Direction, entry float64, leverage int, mmr float64) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	inv := 1 / float64(leverage)
	switch dir {
	case types.Long:
		return math.Max(entry*(1-inv+mmr), 0)
	case types.Short:
		return entry * (1 + inv - mmr)
	}
	return 0
}

func liqDistancePct(mark, liq float64) float64 {
	if mark <= 0 || liq <= 0 {
		return 0
	}
	return math.Abs(mark-liq) / mark * 100
}

// roundToTick rounds price to the tick grid, up or down.
func roundToTick(price, tick float64, up bool) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	n := d(price).Div(d(tick))
	if up {
		n = n.Ceil()
	} else {
		n = n.Floor()
	}
	return n.Mul(d(tick)).InexactFloat64()
}

func addf(a, b float64) float64 { return d(a).Add(d(b)).InexactFloat64() }

func subf(a, b float64) float64 { return d(a).Sub(d(b)).InexactFloat64() }
