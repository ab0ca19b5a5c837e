package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"llm-perp-agent/internal/types"
)

// DefaultSystemPrompt describes the reply contract. Config can replace the
// persona part; the schema section is always appended.
const DefaultSystemPrompt = `You are a disciplined crypto perpetual-futures trader.
You receive indicator snapshots for several symbols, the account state and the open positions.
Decide one action per symbol. Prefer hold when the evidence is weak.`

const schemaPrompt = `Reply with ONE JSON object and nothing else:
{"version":1,"decisions":[{"symbol":"BTCUSDT","action":"open_long|open_short|close|hold",
"confidence":0.0-1.0,"leverage":1-20,"position_size_pct":0-100,
"take_profit":price,"stop_loss":price,
"invalidation_price":price,"invalidation_op":"below|above","invalidation_condition":"text",
"reasoning":"short text"}]}
Rules: long needs take_profit > price > stop_loss, short the inverse.
Every listed symbol must appear exactly once. Use close only for symbols with an open position.`

// SessionInfo labels the trading session by UTC hour.
type SessionInfo struct {
	Name       string `json:"name"`
	Volatility string `json:"volatility"`
	UTCHour    int    `json:"utc_hour"`
}

func Session(t time.Time) SessionInfo {
	h := t.UTC().Hour()
	switch {
	case h >= 13 && h < 17:
		return SessionInfo{Name: "europe_us_overlap", Volatility: "high", UTCHour: h}
	case h >= 8 && h < 13:
		return SessionInfo{Name: "europe", Volatility: "medium", UTCHour: h}
	case h >= 17 && h < 22:
		return SessionInfo{Name: "us", Volatility: "medium", UTCHour: h}
	default:
		return SessionInfo{Name: "asia", Volatility: "low", UTCHour: h}
	}
}

type promptPosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	State         string  `json:"state"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Liquidation   float64 `json:"liquidation_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	Invalidation  string  `json:"invalidation,omitempty"`
	HeldMinutes   int     `json:"held_minutes"`
}

// Symbols returns the request's symbols in a stable order.
func Symbols(req types.OracleRequest) []string {
	out := make([]string, 0, len(req.Snapshots))
	for s := range req.Snapshots {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// BuildPrompt renders the system and user messages for one tick.
func BuildPrompt(req types.OracleRequest, persona string) (system, user string, err error) {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultSystemPrompt
	}
	system = persona + "\n\n" + schemaPrompt

	var b strings.Builder
	sess := Session(req.Time)
	fmt.Fprintf(&b, "Time: %s (session %s, volatility %s)\n\n", req.Time.UTC().Format(time.RFC3339), sess.Name, sess.Volatility)

	for _, sym := range Symbols(req) {
		js, err := json.Marshal(req.Snapshots[sym])
		if err != nil {
			return "", "", fmt.Errorf("marshal snapshot %s: %w", sym, err)
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", sym, js)
	}

	acct, err := json.Marshal(req.Account)
	if err != nil {
		return "", "", fmt.Errorf("marshal account: %w", err)
	}
	fmt.Fprintf(&b, "### Account\n%s\n\n", acct)

	pos := make([]promptPosition, 0, len(req.Positions))
	for _, p := range req.Positions {
		pp := promptPosition{
			Symbol:        p.Symbol,
			Side:          string(p.Direction),
			State:         string(p.State),
			Quantity:      p.AbsQty(),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			UnrealizedPnL: p.UnrealizedPnL,
			Liquidation:   p.LiquidationPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			Invalidation:  p.Invalidation.Description,
		}
		if !p.OpenedAt.IsZero() {
			pp.HeldMinutes = int(req.Time.Sub(p.OpenedAt).Minutes())
		}
		pos = append(pos, pp)
	}
	pj, err := json.Marshal(pos)
	if err != nil {
		return "", "", fmt.Errorf("marshal positions: %w", err)
	}
	fmt.Fprintf(&b, "### Open positions\n%s\n", pj)

	return system, b.String(), nil
}

const reviewSchemaPrompt = `You are reviewing ONE open position. Decide close or hold.
Close when the trade thesis is broken: the trend turned against the position,
momentum reversed hard, or it has been held long with no progress.
Hold young positions and small swings; the stop-loss already caps the downside.
Reply with ONE JSON object and nothing else:
{"version":1,"symbol":"BTCUSDT","action":"close|hold","confidence":0.0-1.0,"reasoning":"short text"}`

type reviewPosition struct {
	promptPosition
	UnrealizedPct float64 `json:"unrealized_pnl_pct"`
	HeldFor       string  `json:"held_for"`
}

// UnrealizedPct is the position's unrealized PnL as a percent of the margin
// behind it.
func UnrealizedPct(p types.Position) float64 {
	margin := p.AbsQty() * p.EntryPrice
	if margin <= 0 {
		return 0
	}
	if p.Leverage > 0 {
		margin /= float64(p.Leverage)
	}
	return math.Round(p.UnrealizedPnL/margin*10000) / 100
}

// BuildReviewPrompt renders the messages for one position review.
func BuildReviewPrompt(req types.PositionReview, persona string) (system, user string, err error) {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultSystemPrompt
	}
	system = persona + "\n\n" + reviewSchemaPrompt

	p := req.Position
	rp := reviewPosition{
		promptPosition: promptPosition{
			Symbol:        p.Symbol,
			Side:          string(p.Direction),
			State:         string(p.State),
			Quantity:      p.AbsQty(),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			UnrealizedPnL: p.UnrealizedPnL,
			Liquidation:   p.LiquidationPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			Invalidation:  p.Invalidation.Description,
		},
		UnrealizedPct: UnrealizedPct(p),
	}
	if !p.OpenedAt.IsZero() {
		held := req.Time.Sub(p.OpenedAt).Truncate(time.Minute)
		rp.HeldMinutes = int(held.Minutes())
		rp.HeldFor = held.String()
	}

	pj, err := json.Marshal(rp)
	if err != nil {
		return "", "", fmt.Errorf("marshal position: %w", err)
	}
	sj, err := json.Marshal(req.Snapshot)
	if err != nil {
		return "", "", fmt.Errorf("marshal snapshot %s: %w", p.Symbol, err)
	}

	var b strings.Builder
	sess := Session(req.Time)
	fmt.Fprintf(&b, "Time: %s (session %s, volatility %s)\n\n", req.Time.UTC().Format(time.RFC3339), sess.Name, sess.Volatility)
	fmt.Fprintf(&b, "### Position\n%s\n\n### %s\n%s\n", pj, p.Symbol, sj)
	return system, b.String(), nil
}
