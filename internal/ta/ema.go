package ta

import "llm-perp-agent/internal/types"

// EMAState is an exponential average carried between ticks so each closed
// candle is folded exactly once. Re-seeding from a fresh window only happens
// when the state is empty, not yet seeded, or the window no longer overlaps
// the last folded candle.
type EMAState struct {
	Period int     `json:"period"`
	Value  float64 `json:"value"`
	// LastTs is the open time of the last folded candle.
	LastTs int64     `json:"last_ts"`
	Count  int       `json:"count"`
	Recent []float64 `json:"recent,omitempty"`
}

func NewEMA(period int) EMAState { return EMAState{Period: period} }

func (s EMAState) Seeded() bool { return s.Period > 0 && s.Count >= s.Period }

func (s EMAState) alpha() float64 { return 2 / float64(s.Period+1) }

// Fold returns the state advanced over closed candles newer than LastTs.
// keep bounds Recent. The receiver is not modified.
func (s EMAState) Fold(closed []types.Candle, keep int) EMAState {
	if s.Period <= 0 || len(closed) == 0 {
		return s
	}
	if !s.Seeded() || closed[0].Ts > s.LastTs {
		return seed(s.Period, closed, keep)
	}

	out := s
	out.Recent = append([]float64(nil), s.Recent...)
	k := out.alpha()
	for _, c := range closed {
		if c.Ts <= out.LastTs {
			continue
		}
		out.Value = c.Close*k + out.Value*(1-k)
		out.LastTs = c.Ts
		out.Count++
		out.Recent = appendBounded(out.Recent, out.Value, keep)
	}
	return out
}

// Peek is the value the average would take if price closed the next candle.
func (s EMAState) Peek(price float64) float64 {
	if !s.Seeded() {
		return 0
	}
	k := s.alpha()
	return price*k + s.Value*(1-k)
}

func seed(period int, closed []types.Candle, keep int) EMAState {
	out := EMAState{Period: period, Count: len(closed), LastTs: closed[len(closed)-1].Ts}
	if len(closed) < period {
		return out
	}
	closes := make([]float64, period)
	for i := 0; i < period; i++ {
		closes[i] = closed[i].Close
	}
	out.Value = SMA(closes, period)
	out.Recent = appendBounded(nil, out.Value, keep)

	k := out.alpha()
	for _, c := range closed[period:] {
		out.Value = c.Close*k + out.Value*(1-k)
		out.Recent = appendBounded(out.Recent, out.Value, keep)
	}
	return out
}

func appendBounded(vals []float64, v float64, keep int) []float64 {
	vals = append(vals, v)
	if keep > 0 && len(vals) > keep {
		vals = vals[len(vals)-keep:]
	}
	return vals
}
