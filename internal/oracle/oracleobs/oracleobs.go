package oracleobs

import (
	"context"
	"time"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/trace"
	"llm-perp-agent/internal/types"
)

// observableOracle wraps an Oracle with logging and tracing
type observableOracle struct {
	oracle interfaces.Oracle
}

var _ interfaces.Oracle = (*observableOracle)(nil)

// observableReviewer adds position reviews for oracles that support them.
type observableReviewer struct {
	*observableOracle
	reviewer interfaces.PositionReviewer
}

var _ interfaces.PositionReviewer = (*observableReviewer)(nil)

// Wrap keeps the PositionReviewer capability of o when it has one.
func Wrap(o interfaces.Oracle) interfaces.Oracle {
	oo := &observableOracle{oracle: o}
	if rv, ok := o.(interfaces.PositionReviewer); ok {
		return &observableReviewer{observableOracle: oo, reviewer: rv}
	}
	return oo
}

func (ro *observableReviewer) EvaluatePosition(ctx context.Context, req types.PositionReview) (types.PositionVerdict, error) {
	ctx, span := trace.StartSpan(ctx, "oracle.EvaluatePosition")
	defer span.End()

	start := time.Now()
	v, err := ro.reviewer.EvaluatePosition(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Position review failed", err,
			"symbol", req.Position.Symbol,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return types.PositionVerdict{}, err
	}

	action, reason := "HOLD", v.Reasoning
	if v.Close {
		action = "CLOSE"
	}
	if v.DecodeNote != "" {
		reason = v.DecodeNote
	}
	logger.Decision(ctx, req.Position.Symbol, action, v.Confidence, reason,
		"review", true,
		"unrealized_pnl", req.Position.UnrealizedPnL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return v, nil
}

func (oo *observableOracle) Decide(ctx context.Context, req types.OracleRequest) (types.OracleResponse, error) {
	ctx, span := trace.StartSpan(ctx, "oracle.Decide")
	defer span.End()

	start := time.Now()
	logger.DebugSkip(ctx, 1, "Requesting oracle decision",
		"symbols", len(req.Snapshots),
		"positions", len(req.Positions),
		"equity", req.Account.Equity,
	)

	resp, err := oo.oracle.Decide(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Oracle call failed", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return types.OracleResponse{}, err
	}

	for _, a := range resp.Actions {
		reason := a.Reasoning
		if a.DecodeNote != "" {
			reason = a.DecodeNote
		}
		logger.Decision(ctx, a.Symbol, string(a.Direction), a.Confidence, reason,
			"leverage", a.Leverage,
			"size_pct", a.SizePct,
			"take_profit", a.TakeProfit,
			"stop_loss", a.StopLoss,
			"invalidation", a.Invalidation.Price,
		)
	}
	logger.InfoSkip(ctx, 1, "Oracle decision received",
		"actions", len(resp.Actions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}
