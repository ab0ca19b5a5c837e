package oracle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/types"
)

var syms = []string{"BTCUSDT", "ETHUSDT"}

func TestDecodeValidDocumentWithFences(t *testing.T) {
	raw := "Here is my answer:\n```json\n" + `{"version":1,"decisions":[
	 {"symbol":"btcusdt","action":"open_long","confidence":0.72,"leverage":10,"position_size_pct":20,
	  "take_profit":118000,"stop_loss":105000,"invalidation_price":106500,"invalidation_condition":"4h close below 106500","reasoning":"trend"},
	 {"symbol":"ETHUSDT","action":"hold","reasoning":"chop"}]}` + "\n```"

	resp := Decode(raw, syms)
	require.Len(t, resp.Actions, 2)

	btc := resp.Actions[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, types.Long, btc.Direction)
	assert.Equal(t, 0.72, btc.Confidence)
	assert.Equal(t, 10, btc.Leverage)
	assert.Equal(t, 118000.0, btc.TakeProfit)
	assert.Equal(t, types.InvalidateBelow, btc.Invalidation.Op)
	assert.Empty(t, btc.DecodeNote)

	assert.Equal(t, types.Hold, resp.Actions[1].Direction)
	assert.Empty(t, resp.Actions[1].DecodeNote)
}

func TestDecodeGarbageHoldsEverything(t *testing.T) {
	for name, raw := range map[string]string{
		"prose":       "I think BTC goes up",
		"truncated":   `{"version":1,"decisions":[{"symbol":"BTCUSDT"`,
		"old version": `{"version":2,"decisions":[]}`,
		"extra field": `{"version":1,"decisions":[],"mood":"bullish"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := Decode(raw, syms)
			require.Len(t, resp.Actions, 2)
			for _, a := range resp.Actions {
				assert.Equal(t, types.Hold, a.Direction)
				assert.NotEmpty(t, a.DecodeNote)
			}
		})
	}
}

func TestDecodeOutOfRangeHoldsOnlyThatSymbol(t *testing.T) {
	raw := `{"version":1,"decisions":[
	 {"symbol":"BTCUSDT","action":"open_short","confidence":1.4,"take_profit":1,"stop_loss":2},
	 {"symbol":"ETHUSDT","action":"open_short","confidence":0.8,"leverage":5,"take_profit":3500,"stop_loss":4200}]}`

	resp := Decode(raw, syms)
	assert.Equal(t, types.Hold, resp.Actions[0].Direction)
	assert.Contains(t, resp.Actions[0].DecodeNote, "confidence_out_of_range")
	assert.Equal(t, types.Short, resp.Actions[1].Direction)
	assert.Equal(t, 5, resp.Actions[1].Leverage)
}

func TestDecodeMissingUnknownAndDuplicate(t *testing.T) {
	raw := `{"version":1,"decisions":[
	 {"symbol":"BTCUSDT","action":"moon","confidence":0.9},
	 {"symbol":"DOGEUSDT","action":"open_long","confidence":0.9},
	 {"symbol":"BTCUSDT","action":"close","confidence":0.9}]}`

	resp := Decode(raw, syms)
	assert.Equal(t, "duplicate_symbol", resp.Actions[0].DecodeNote)
	assert.Equal(t, "missing_symbol", resp.Actions[1].DecodeNote)
}

func TestDecodeUnknownDecisionFieldHoldsSymbol(t *testing.T) {
	raw := `{"version":1,"decisions":[{"symbol":"ETHUSDT","action":"open_long","confidence":0.9,"yolo":true}]}`
	resp := Decode(raw, syms)
	assert.Equal(t, types.Hold, resp.Actions[1].Direction)
	assert.Contains(t, resp.Actions[1].DecodeNote, "invalid_decision")
}

func TestDecodeCloseAndShortInvalidationDefault(t *testing.T) {
	raw := `{"version":1,"decisions":[
	 {"symbol":"BTCUSDT","action":"close","confidence":0.6,"reasoning":"target reached"},
	 {"symbol":"ETHUSDT","action":"open_short","confidence":0.7,"take_profit":3000,"stop_loss":4000,"invalidation_price":3900}]}`
	resp := Decode(raw, syms)
	assert.Equal(t, types.Flat, resp.Actions[0].Direction)
	assert.Equal(t, types.InvalidateAbove, resp.Actions[1].Invalidation.Op)
}

func TestSession(t *testing.T) {
	at := func(h int) string { return Session(time.Date(2025, 1, 1, h, 0, 0, 0, time.UTC)).Name }
	assert.Equal(t, "asia", at(3))
	assert.Equal(t, "europe", at(9))
	assert.Equal(t, "europe_us_overlap", at(14))
	assert.Equal(t, "us", at(20))
	assert.Equal(t, "asia", at(23))
}

func TestBuildPrompt(t *testing.T) {
	ema := 100.0
	req := types.OracleRequest{
		Time: time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC),
		Snapshots: map[string]types.IndicatorSnapshot{
			"ETHUSDT": {Symbol: "ETHUSDT", Price: 3800, EMA20: &ema},
			"BTCUSDT": {Symbol: "BTCUSDT", Price: 113975.5},
		},
		Account: types.AccountState{Equity: 10000},
		Positions: []types.Position{{Symbol: "BTCUSDT", Direction: types.Long, Quantity: 0.12,
			EntryPrice: 107343, OpenedAt: time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)}},
	}
	sys, user, err := BuildPrompt(req, "")
	require.NoError(t, err)

	assert.Contains(t, sys, `"version":1`)
	assert.Contains(t, user, "europe_us_overlap")
	assert.Less(t, strings.Index(user, "### BTCUSDT"), strings.Index(user, "### ETHUSDT"))
	assert.Contains(t, user, `"held_minutes":60`)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, Symbols(req))
}

func TestDecodeVerdict(t *testing.T) {
	v := DecodeVerdict("```json\n"+`{"version":1,"symbol":"btcusdt","action":"CLOSE","confidence":0.85,"reasoning":"trend reversed"}`+"\n```", "BTCUSDT")
	assert.True(t, v.Close)
	assert.Equal(t, 0.85, v.Confidence)
	assert.Equal(t, "trend reversed", v.Reasoning)
	assert.Empty(t, v.DecodeNote)

	v = DecodeVerdict(`{"version":1,"symbol":"BTCUSDT","action":"hold","reasoning":"give it time"}`, "BTCUSDT")
	assert.False(t, v.Close)
	assert.Empty(t, v.DecodeNote)

	for name, raw := range map[string]string{
		"prose":          "I would close it",
		"wrong symbol":   `{"version":1,"symbol":"ETHUSDT","action":"close","confidence":0.9}`,
		"no confidence":  `{"version":1,"symbol":"BTCUSDT","action":"close"}`,
		"out of range":   `{"version":1,"symbol":"BTCUSDT","action":"close","confidence":85}`,
		"unknown action": `{"version":1,"symbol":"BTCUSDT","action":"roll","confidence":0.9}`,
		"extra field":    `{"version":1,"symbol":"BTCUSDT","action":"close","confidence":0.9,"size":50}`,
	} {
		t.Run(name, func(t *testing.T) {
			v := DecodeVerdict(raw, "BTCUSDT")
			assert.False(t, v.Close)
			assert.Equal(t, "BTCUSDT", v.Symbol)
			assert.NotEmpty(t, v.DecodeNote)
		})
	}
}

func TestBuildReviewPrompt(t *testing.T) {
	p := types.Position{Symbol: "BTCUSDT", State: types.StateOpen, Direction: types.Long, Quantity: 0.12,
		EntryPrice: 107343, MarkPrice: 113975.5, UnrealizedPnL: 795.9, Leverage: 10,
		OpenedAt: time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)}
	assert.Equal(t, 61.79, UnrealizedPct(p))
	assert.Equal(t, 0.0, UnrealizedPct(types.Position{Symbol: "BTCUSDT"}))

	sys, user, err := BuildReviewPrompt(types.PositionReview{
		Position: p,
		Snapshot: types.IndicatorSnapshot{Symbol: "BTCUSDT", Price: 113975.5},
		Time:     time.Date(2025, 1, 1, 14, 30, 0, 0, time.UTC),
	}, "")
	require.NoError(t, err)
	assert.Contains(t, sys, `"action":"close|hold"`)
	assert.Contains(t, user, `"unrealized_pnl_pct":61.79`)
	assert.Contains(t, user, `"held_for":"1h30m0s"`)
	assert.Contains(t, user, `"held_minutes":90`)
	assert.Contains(t, user, "### BTCUSDT")
}
