package interfaces

import (
	"context"
	"time"
)

type EodSummarizer interface {
	SummarizeDay(ctx context.Context, day time.Time) (csvPath string, err error)
	SummarizeToday(ctx context.Context) (csvPath string, err error)
	// ShouldRunNow reports the last completed UTC day when its summary has
	// not been written yet.
	ShouldRunNow() (shouldRun bool, day time.Time)
}
