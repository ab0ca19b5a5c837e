package eodobs

import (
	"context"
	"time"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/trace"
)

type observableSummarizer struct {
	inner interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableSummarizer)(nil)

func Wrap(s interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableSummarizer{inner: s}
}

func (o *observableSummarizer) SummarizeDay(ctx context.Context, day time.Time) (string, error) {
	ctx, span := trace.StartSpan(ctx, "eod.SummarizeDay")
	defer span.End()
	return o.report(ctx, day, func(ctx context.Context) (string, error) {
		return o.inner.SummarizeDay(ctx, day)
	})
}

func (o *observableSummarizer) SummarizeToday(ctx context.Context) (string, error) {
	ctx, span := trace.StartSpan(ctx, "eod.SummarizeToday")
	defer span.End()
	return o.report(ctx, time.Now().UTC(), o.inner.SummarizeToday)
}

func (o *observableSummarizer) report(ctx context.Context, day time.Time, fn func(context.Context) (string, error)) (string, error) {
	date := day.UTC().Format(time.DateOnly)
	start := time.Now()

	path, err := fn(ctx)
	switch {
	case err != nil:
		logger.ErrorWithErrSkip(ctx, 2, "EOD summary failed", err, "date", date)
	case path == "":
		logger.InfoSkip(ctx, 2, "EOD summary skipped, no closed trades", "date", date)
	default:
		logger.InfoSkip(ctx, 2, "EOD summary written",
			"date", date,
			"csv_path", path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return path, err
}

func (o *observableSummarizer) ShouldRunNow() (bool, time.Time) {
	ok, day := o.inner.ShouldRunNow()
	if ok {
		logger.Debug(context.Background(), "EOD summary due", "date", day.Format(time.DateOnly))
	}
	return ok, day
}
