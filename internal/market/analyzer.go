// Package market turns raw candle history into indicator snapshots.
package market

import (
	"time"

	"llm-perp-agent/internal/ta"
	"llm-perp-agent/internal/types"
)

const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// SeedState is the per-symbol analyzer state carried between ticks.
type SeedState struct {
	EMAShort ta.EMAState `json:"ema_short"`
	EMALong  ta.EMAState `json:"ema_long"`
}

type Params struct {
	EMAShort     int
	EMALong      int
	SeriesLength int
}

func DefaultParams() Params {
	return Params{EMAShort: 20, EMALong: 50, SeriesLength: 10}
}

// Input is everything Analyze needs. Candles are ordered oldest to newest and
// the last one may still be forming.
type Input struct {
	Symbol  string
	Candles []types.Candle
	Stats   types.MarketStats
	Seed    SeedState
	Now     time.Time
}

// Analyzer is stateless; the EMA seeds travel in Input and come back out.
type Analyzer struct {
	p Params
}

func NewAnalyzer(p Params) *Analyzer {
	if p.EMAShort <= 0 {
		p.EMAShort = 20
	}
	if p.EMALong <= p.EMAShort {
		p.EMALong = 50
	}
	if p.SeriesLength <= 0 {
		p.SeriesLength = 10
	}
	return &Analyzer{p: p}
}

// Analyze builds a snapshot and the advanced seed. Fields whose lookback is
// longer than the history are left nil and listed in Withheld.
func (a *Analyzer) Analyze(in Input) (types.IndicatorSnapshot, SeedState) {
	snap := types.IndicatorSnapshot{
		Symbol:       in.Symbol,
		Time:         in.Now,
		OpenInterest: in.Stats.OpenInterest,
		FundingRate:  in.Stats.FundingRate,
	}

	seed := in.Seed
	if seed.EMAShort.Period != a.p.EMAShort {
		seed.EMAShort = ta.NewEMA(a.p.EMAShort)
	}
	if seed.EMALong.Period != a.p.EMALong {
		seed.EMALong = ta.NewEMA(a.p.EMALong)
	}

	if len(in.Candles) == 0 {
		snap.Price = in.Stats.MarkPrice
		snap.Partial = true
		snap.Withheld = []string{"ema20", "ema50", "macd", "rsi7", "rsi14", "atr3", "atr14"}
		return snap, seed
	}

	n := len(in.Candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range in.Candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}
	snap.Price = closes[n-1]

	closed := closedCandles(in.Candles, in.Now)
	keep := a.p.SeriesLength
	seed.EMAShort = seed.EMAShort.Fold(closed, keep)
	seed.EMALong = seed.EMALong.Fold(closed, keep)

	withhold := func(name string) {
		snap.Partial = true
		snap.Withheld = append(snap.Withheld, name)
	}

	snap.EMA20 = a.emaValue(seed.EMAShort, closed, in.Candles, snap.Price)
	if snap.EMA20 == nil {
		withhold("ema20")
	}
	snap.EMA50 = a.emaValue(seed.EMALong, closed, in.Candles, snap.Price)
	if snap.EMA50 == nil {
		withhold("ema50")
	}

	macd, signal := ta.MACD(closes, macdFast, macdSlow, macdSignal)
	if v, ok := ta.Last(macd); ok {
		snap.MACD = ptr(v)
		if s, ok := ta.Last(signal); ok {
			snap.MACDSignal = ptr(s)
		}
	} else {
		withhold("macd")
	}

	rsi7 := ta.RSI(closes, 7)
	if v, ok := ta.Last(rsi7); ok {
		snap.RSI7 = ptr(v)
	} else {
		withhold("rsi7")
	}
	rsi14 := ta.RSI(closes, 14)
	if v, ok := ta.Last(rsi14); ok {
		snap.RSI14 = ptr(v)
	} else {
		withhold("rsi14")
	}

	if v, ok := ta.Last(ta.ATR(highs, lows, closes, 3)); ok {
		snap.ATR3 = ptr(v)
	} else {
		withhold("atr3")
	}
	if v, ok := ta.Last(ta.ATR(highs, lows, closes, 14)); ok {
		snap.ATR14 = ptr(v)
	} else {
		withhold("atr14")
	}

	snap.History = types.Series{
		Price: ta.Tail(closes, keep),
		MACD:  ta.Tail(macd, keep),
		RSI7:  ta.Tail(rsi7, keep),
		RSI14: ta.Tail(rsi14, keep),
	}
	if snap.EMA20 != nil {
		hist := ta.Tail(seed.EMAShort.Recent, keep)
		if forming(closed, in.Candles) {
			hist = ta.Tail(append(hist, *snap.EMA20), keep)
		}
		snap.History.EMA20 = hist
	}
	return snap, seed
}

// emaValue includes the still-forming candle without folding it into the seed.
func (a *Analyzer) emaValue(st ta.EMAState, closed, all []types.Candle, price float64) *float64 {
	if !st.Seeded() {
		return nil
	}
	if forming(closed, all) {
		return ptr(st.Peek(price))
	}
	return ptr(st.Value)
}

func forming(closed, all []types.Candle) bool { return len(closed) < len(all) }

// closedCandles drops a trailing candle whose close time is still in the future.
func closedCandles(cs []types.Candle, now time.Time) []types.Candle {
	if len(cs) == 0 || now.IsZero() {
		return cs
	}
	last := cs[len(cs)-1]
	if last.CloseTs > 0 && last.CloseTs >= now.UnixMilli() {
		return cs[:len(cs)-1]
	}
	return cs
}

func ptr(v float64) *float64 { return &v }
