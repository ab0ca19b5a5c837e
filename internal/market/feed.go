package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/types"
)

// Batch is one consistent read of every symbol's history and stats.
type Batch struct {
	Time    time.Time
	Candles map[string][]types.Candle
	Stats   map[string]types.MarketStats
}

type Feed struct {
	src         interfaces.MarketData
	interval    string
	limit       int
	callTimeout time.Duration
	parallel    int
}

func NewFeed(src interfaces.MarketData, interval string, limit int, callTimeout time.Duration) *Feed {
	return &Feed{src: src, interval: interval, limit: limit, callTimeout: callTimeout, parallel: 4}
}

// Collect fetches every symbol or fails as a whole with a TransientIO error.
func (f *Feed) Collect(ctx context.Context, symbols []string, now time.Time) (Batch, error) {
	b := Batch{
		Time:    now,
		Candles: make(map[string][]types.Candle, len(symbols)),
		Stats:   make(map[string]types.MarketStats, len(symbols)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, f.callTimeout)
			defer cancel()
			cs, err := f.src.Candles(cctx, sym, f.interval, f.limit)
			if err != nil {
				return fmt.Errorf("candles %s: %w", sym, err)
			}

			sctx, cancel2 := context.WithTimeout(gctx, f.callTimeout)
			defer cancel2()
			st, err := f.src.MarketStats(sctx, sym)
			if err != nil {
				return fmt.Errorf("stats %s: %w", sym, err)
			}

			mu.Lock()
			b.Candles[sym] = cs
			b.Stats[sym] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, errs.Transient("market.Collect", err)
	}
	return b, nil
}
