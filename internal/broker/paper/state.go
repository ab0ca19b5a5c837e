package paper

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/types"
)

// fillRetention bounds how long fills are kept in the state file.
const fillRetention = 7 * 24 * time.Hour

type state struct {
	Wallet    decimal.Decimal              `json:"wallet"`
	Leverage  map[string]int               `json:"leverage"`
	Positions map[string]*position         `json:"positions"`
	Orders    map[string]*order            `json:"orders"`
	Fills     map[string][]types.FillEvent `json:"fills"`
	Marks     map[string]float64           `json:"marks"`
	NextOrder int64                        `json:"next_order"`
	NextFill  int64                        `json:"next_fill"`
}

func (x *Exchange) load() error {
	b, err := os.ReadFile(x.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.Fatal("paper.load", err)
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return errs.Fatal("paper.load", err)
	}
	x.wallet = st.Wallet
	x.nextOrder, x.nextFill = st.NextOrder, st.NextFill
	if st.Leverage != nil {
		x.leverage = st.Leverage
	}
	if st.Positions != nil {
		x.positions = st.Positions
	}
	if st.Orders != nil {
		x.orders = st.Orders
	}
	if st.Fills != nil {
		x.fills = st.Fills
	}
	if st.Marks != nil {
		x.marks = st.Marks
	}
	return nil
}

// saveLocked writes the venue state when a state path is configured. A
// failed write is logged; the in-memory venue stays authoritative.
func (x *Exchange) saveLocked(ctx context.Context) {
	if x.cfg.StatePath == "" {
		return
	}
	cutoff := x.cfg.Now().Add(-fillRetention)
	for sym, fs := range x.fills {
		i := 0
		for i < len(fs) && fs[i].Time.Before(cutoff) {
			i++
		}
		x.fills[sym] = fs[i:]
	}
	for id, o := range x.orders {
		if o.Status.Terminal() && o.Created.Before(cutoff) {
			delete(x.orders, id)
		}
	}

	st := state{
		Wallet:    x.wallet,
		Leverage:  x.leverage,
		Positions: x.positions,
		Orders:    x.orders,
		Fills:     x.fills,
		Marks:     x.marks,
		NextOrder: x.nextOrder,
		NextFill:  x.nextFill,
	}
	if err := persist.WriteJSONAtomic(x.cfg.StatePath, st); err != nil {
		logger.Warn(ctx, "Paper state write failed", "path", x.cfg.StatePath, "error", err)
	}
}
