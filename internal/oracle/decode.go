// Package oracle holds the decision schema shared by every oracle backend.
//
// The model's reply is untrusted text. Decode accepts exactly one versioned
// JSON document and turns anything it cannot vouch for into hold.
package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"llm-perp-agent/internal/types"
)

const SchemaVersion = 1

const (
	ActionOpenLong  = "open_long"
	ActionOpenShort = "open_short"
	ActionClose     = "close"
	ActionHold      = "hold"
)

type document struct {
	Version   int               `json:"version"`
	Decisions []json.RawMessage `json:"decisions"`
}

type decision struct {
	Symbol                string   `json:"symbol"`
	Action                string   `json:"action"`
	Confidence            *float64 `json:"confidence"`
	Leverage              *float64 `json:"leverage"`
	PositionSizePct       *float64 `json:"position_size_pct"`
	TakeProfit            *float64 `json:"take_profit"`
	StopLoss              *float64 `json:"stop_loss"`
	InvalidationPrice     *float64 `json:"invalidation_price"`
	InvalidationOp        string   `json:"invalidation_op"`
	InvalidationCondition string   `json:"invalidation_condition"`
	Reasoning             string   `json:"reasoning"`
}

// Hold is the action used whenever the oracle cannot be trusted for symbol.
func Hold(symbol, note string) types.ProposedAction {
	return types.ProposedAction{Symbol: symbol, Direction: types.Hold, DecodeNote: note}
}

// Decode maps raw model output to one action per symbol, in symbols order.
func Decode(raw string, symbols []string) types.OracleResponse {
	resp := types.OracleResponse{Raw: raw, Actions: make([]types.ProposedAction, 0, len(symbols))}

	body, ok := extractJSON(raw)
	if !ok {
		return allHold(resp, symbols, "no_json_object")
	}

	var doc document
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return allHold(resp, symbols, "invalid_document: "+err.Error())
	}
	if doc.Version != SchemaVersion {
		return allHold(resp, symbols, fmt.Sprintf("unsupported_version: %d", doc.Version))
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	got := make(map[string]types.ProposedAction, len(doc.Decisions))
	dup := make(map[string]bool)
	for _, rawDec := range doc.Decisions {
		sym, action := decodeOne(rawDec)
		if sym == "" || !wanted[sym] {
			continue
		}
		if _, seen := got[sym]; seen {
			dup[sym] = true
			continue
		}
		got[sym] = action
	}

	for _, s := range symbols {
		switch a, ok := got[s]; {
		case dup[s]:
			resp.Actions = append(resp.Actions, Hold(s, "duplicate_symbol"))
		case !ok:
			resp.Actions = append(resp.Actions, Hold(s, "missing_symbol"))
		default:
			resp.Actions = append(resp.Actions, a)
		}
	}
	return resp
}

func allHold(resp types.OracleResponse, symbols []string, note string) types.OracleResponse {
	for _, s := range symbols {
		resp.Actions = append(resp.Actions, Hold(s, note))
	}
	return resp
}

// decodeOne returns the symbol it could read, and the action or a hold.
func decodeOne(raw json.RawMessage) (string, types.ProposedAction) {
	var d decision
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		// Try to at least learn the symbol so only it is held.
		var head struct {
			Symbol string `json:"symbol"`
		}
		_ = json.Unmarshal(raw, &head)
		sym := normSymbol(head.Symbol)
		return sym, Hold(sym, "invalid_decision: "+err.Error())
	}

	sym := normSymbol(d.Symbol)
	if sym == "" {
		return "", types.ProposedAction{}
	}

	var dir types.Direction
	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case ActionOpenLong:
		dir = types.Long
	case ActionOpenShort:
		dir = types.Short
	case ActionClose:
		dir = types.Flat
	case ActionHold:
		return sym, types.ProposedAction{Symbol: sym, Direction: types.Hold, Reasoning: d.Reasoning}
	default:
		return sym, Hold(sym, "unknown_action: "+d.Action)
	}

	if d.Confidence == nil {
		return sym, Hold(sym, "missing_confidence")
	}
	if !inRange(*d.Confidence, 0, 1) {
		return sym, Hold(sym, fmt.Sprintf("confidence_out_of_range: %v", *d.Confidence))
	}

	a := types.ProposedAction{
		Symbol:     sym,
		Direction:  dir,
		Confidence: *d.Confidence,
		Reasoning:  d.Reasoning,
	}
	if dir == types.Flat {
		return sym, a
	}

	if d.Leverage != nil {
		if !inRange(*d.Leverage, 0, 1000) || *d.Leverage != math.Trunc(*d.Leverage) {
			return sym, Hold(sym, fmt.Sprintf("leverage_invalid: %v", *d.Leverage))
		}
		a.Leverage = int(*d.Leverage)
	}
	if d.PositionSizePct != nil {
		if !inRange(*d.PositionSizePct, 0, 100) {
			return sym, Hold(sym, fmt.Sprintf("position_size_out_of_range: %v", *d.PositionSizePct))
		}
		a.SizePct = *d.PositionSizePct
	}
	for name, p := range map[string]*float64{"take_profit": d.TakeProfit, "stop_loss": d.StopLoss, "invalidation_price": d.InvalidationPrice} {
		if p != nil && !inRange(*p, 0, math.MaxFloat64) {
			return sym, Hold(sym, name+"_invalid")
		}
	}
	if d.TakeProfit != nil {
		a.TakeProfit = *d.TakeProfit
	}
	if d.StopLoss != nil {
		a.StopLoss = *d.StopLoss
	}

	if d.InvalidationPrice != nil && *d.InvalidationPrice > 0 {
		op := types.InvalidationOp(strings.ToLower(strings.TrimSpace(d.InvalidationOp)))
		switch op {
		case types.InvalidateBelow, types.InvalidateAbove:
		case "":
			// A long is invalidated by price falling, a short by price rising.
			op = types.InvalidateBelow
			if dir == types.Short {
				op = types.InvalidateAbove
			}
		default:
			return sym, Hold(sym, "invalidation_op_invalid: "+d.InvalidationOp)
		}
		a.Invalidation = types.InvalidationRule{Price: *d.InvalidationPrice, Op: op, Description: d.InvalidationCondition}
	}
	return sym, a
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= lo && v <= hi
}

func normSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// extractJSON strips code fences and prose around the outermost object.
func extractJSON(raw string) ([]byte, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(s[start : end+1]), true
}

type verdictDoc struct {
	Version    int      `json:"version"`
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// HoldVerdict keeps the position open and records why.
func HoldVerdict(symbol, note string) types.PositionVerdict {
	return types.PositionVerdict{Symbol: symbol, DecodeNote: note}
}

// DecodeVerdict maps a position review reply to close or hold. Anything it
// cannot vouch for is hold.
func DecodeVerdict(raw, symbol string) types.PositionVerdict {
	body, ok := extractJSON(raw)
	if !ok {
		return HoldVerdict(symbol, "no_json_object")
	}
	var d verdictDoc
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return HoldVerdict(symbol, "invalid_document: "+err.Error())
	}
	if d.Version != SchemaVersion {
		return HoldVerdict(symbol, fmt.Sprintf("unsupported_version: %d", d.Version))
	}
	if got := normSymbol(d.Symbol); got != "" && got != symbol {
		return HoldVerdict(symbol, "symbol_mismatch: "+got)
	}

	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case ActionHold:
		return types.PositionVerdict{Symbol: symbol, Reasoning: d.Reasoning}
	case ActionClose:
	default:
		return HoldVerdict(symbol, "unknown_action: "+d.Action)
	}
	if d.Confidence == nil {
		return HoldVerdict(symbol, "missing_confidence")
	}
	if !inRange(*d.Confidence, 0, 1) {
		return HoldVerdict(symbol, fmt.Sprintf("confidence_out_of_range: %v", *d.Confidence))
	}
	return types.PositionVerdict{Symbol: symbol, Close: true, Confidence: *d.Confidence, Reasoning: d.Reasoning}
}
