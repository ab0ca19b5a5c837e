package engineobs

import (
	"context"
	"time"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/trace"
	"llm-perp-agent/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{
		engine: eng,
	}
}

func (oe *observableEngine) Tick(ctx context.Context) (*types.TickResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Tick")
	defer span.End()

	start := time.Now()

	logger.InfoSkip(ctx, 1, "Starting tick")

	result, err := oe.engine.Tick(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Tick failed", err,
			"kind", errs.KindOf(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	logger.InfoSkip(ctx, 1, "Tick completed",
		"seq", result.Seq,
		"equity", result.Account.Equity,
		"positions", result.Account.Positions,
		"approved", len(result.Approved),
		"rejected", len(result.Rejected),
		"errors", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}
