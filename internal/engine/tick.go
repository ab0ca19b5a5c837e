package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/market"
	"llm-perp-agent/internal/metrics"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/risk"
	"llm-perp-agent/internal/types"
)

// gathered is the read-only half of a tick. Nothing in it has been committed.
type gathered struct {
	now     time.Time
	seq     uint64
	batch   market.Batch
	snaps   map[string]types.IndicatorSnapshot
	seeds   map[string]market.SeedState
	balance types.Balance
	actions map[string]types.ProposedAction
	ordered []types.ProposedAction
}

// Tick runs one iteration. A gather failure returns an error and leaves every
// piece of committed state untouched. Once the mutation phase starts, per
// symbol failures are collected in the result and the tick still commits.
// If ctx expires mid-mutation the remaining symbols are skipped, whatever was
// done is recorded, and Tick returns a transient error.
func (l *Loop) Tick(ctx context.Context) (*types.TickResult, error) {
	if !l.running.CompareAndSwap(false, true) {
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return nil, ErrTickInProgress
	}
	defer l.running.Store(false)

	start := time.Now()
	g, err := l.gather(ctx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("transient").Inc()
		return nil, err
	}

	l.mu.Lock()
	l.seq = g.seq
	l.seeds = g.seeds
	l.mu.Unlock()

	res := &types.TickResult{Seq: g.seq, Time: g.now, Actions: g.ordered}
	acct, cut := l.mutate(ctx, g, res)
	res.Account = acct
	if cut != nil {
		// committed orders must still reach the ledger and snapshot
		l.record(context.WithoutCancel(ctx), g, res)
	} else {
		l.record(ctx, g, res)
	}

	res.Duration = time.Since(start)
	metrics.TickDuration.Observe(res.Duration.Seconds())

	l.mu.Lock()
	l.last = res
	l.mu.Unlock()

	if cut != nil {
		metrics.TicksTotal.WithLabelValues("transient").Inc()
		return res, errs.Transient("engine.Tick", fmt.Errorf("mutation cut short at seq %d: %w", g.seq, cut))
	}
	metrics.TicksTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (l *Loop) gather(ctx context.Context) (*gathered, error) {
	l.mu.Lock()
	g := &gathered{
		now:   l.opt.Now().UTC(),
		seq:   l.seq + 1,
		seeds: maps.Clone(l.seeds),
	}
	l.mu.Unlock()
	if g.seeds == nil {
		g.seeds = map[string]market.SeedState{}
	}

	batch, err := l.deps.Feed.Collect(ctx, l.opt.Symbols, g.now)
	if err != nil {
		return nil, err
	}
	g.batch = batch

	g.snaps = make(map[string]types.IndicatorSnapshot, len(l.opt.Symbols))
	for _, sym := range l.opt.Symbols {
		snap, seed := l.deps.Analyzer.Analyze(market.Input{
			Symbol:  sym,
			Candles: batch.Candles[sym],
			Stats:   batch.Stats[sym],
			Seed:    g.seeds[sym],
			Now:     g.now,
		})
		g.snaps[sym] = snap
		g.seeds[sym] = seed
		if snap.Partial {
			logger.Debug(ctx, "Indicator snapshot is partial", "symbol", sym, "withheld", snap.Withheld)
		}
	}

	bctx, cancel := context.WithTimeout(ctx, l.opt.CallTimeout)
	g.balance, err = l.deps.Exchange.Balance(bctx)
	cancel()
	if err != nil {
		return nil, errs.Transient("engine.gather", fmt.Errorf("balance: %w", err))
	}

	positions := l.deps.Positions.Positions()
	octx, cancel := context.WithTimeout(ctx, l.opt.CallTimeout)
	resp, err := l.deps.Oracle.Decide(octx, types.OracleRequest{
		Snapshots: g.snaps,
		Account:   l.deps.Positions.Account(g.balance, g.now),
		Positions: positions,
		Time:      g.now,
	})
	cancel()
	if err != nil {
		return nil, errs.Transient("engine.gather", fmt.Errorf("oracle: %w", err))
	}

	g.actions = make(map[string]types.ProposedAction, len(resp.Actions))
	for _, a := range resp.Actions {
		if _, wanted := g.snaps[a.Symbol]; !wanted {
			continue
		}
		g.actions[a.Symbol] = a
		if a.DecodeNote != "" {
			metrics.OracleHolds.WithLabelValues(a.Symbol).Inc()
		}
	}
	for _, sym := range l.opt.Symbols {
		a, ok := g.actions[sym]
		if !ok {
			a = types.ProposedAction{Symbol: sym, Direction: types.Hold, DecodeNote: "missing"}
			g.actions[sym] = a
			metrics.OracleHolds.WithLabelValues(sym).Inc()
		}
		g.ordered = append(g.ordered, a)
	}
	if l.opt.ReviewPositions {
		l.reviewOpen(ctx, g, positions)
	}
	return g, nil
}

// reviewOpen asks the oracle for a close-or-hold verdict on every open
// position it left on hold. A close verdict becomes a flat action; a failed
// review keeps the hold.
func (l *Loop) reviewOpen(ctx context.Context, g *gathered, positions []types.Position) {
	rv, ok := l.deps.Oracle.(interfaces.PositionReviewer)
	if !ok {
		return
	}
	open := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		if p.State == types.StateOpen && p.Quantity != 0 {
			open[p.Symbol] = p
		}
	}

	for i, a := range g.ordered {
		p, held := open[a.Symbol]
		if !held || a.Direction != types.Hold {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, l.opt.CallTimeout)
		v, err := rv.EvaluatePosition(rctx, types.PositionReview{Position: p, Snapshot: g.snaps[a.Symbol], Time: g.now})
		cancel()
		if err != nil {
			logger.Warn(ctx, "Position review failed, keeping hold", "symbol", a.Symbol, "error", err)
			continue
		}
		if !v.Close {
			continue
		}
		flat := types.ProposedAction{Symbol: a.Symbol, Direction: types.Flat, Confidence: v.Confidence, Reasoning: v.Reasoning}
		g.ordered[i] = flat
		g.actions[a.Symbol] = flat
	}
}

// price prefers the mark price and falls back to the last candle close.
func (g *gathered) price(sym string) float64 {
	if st, ok := g.batch.Stats[sym]; ok && st.MarkPrice > 0 {
		return st.MarkPrice
	}
	return g.snaps[sym].Price
}

// mutate applies the gathered actions. The returned error is non-nil only
// when ctx ran out before every symbol was handled.
func (l *Loop) mutate(ctx context.Context, g *gathered, res *types.TickResult) (types.AccountState, error) {
	fail := func(sym, stage string, err error) {
		logger.ErrorWithErr(ctx, "Tick step failed", err, "symbol", sym, "stage", stage, "seq", g.seq)
		res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", sym, stage, err))
	}

	// Marks first so invalidation and software exits see this tick's price.
	for _, sym := range l.opt.Symbols {
		if _, err := l.deps.Positions.MarkPrice(ctx, sym, g.price(sym), g.seq); err != nil {
			fail(sym, "mark", err)
		}
	}
	if err := l.deps.Positions.Sync(ctx); err != nil {
		fail("*", "sync", err)
	}

	acct := l.deps.Positions.Account(g.balance, g.now)
	day := risk.DayState{RealizedPnL: l.deps.Tracker.RealizedSince(utcMidnight(g.now))}
	flattened := false

	for _, sym := range l.opt.Symbols {
		if err := ctx.Err(); err != nil {
			logger.Warn(ctx, "Tick deadline reached, skipping remaining symbols", "symbol", sym, "seq", g.seq)
			res.Errors = append(res.Errors, fmt.Sprintf("%s skipped: %v", sym, err))
			break
		}
		a := g.actions[sym]
		price := g.price(sym)

		var existing *types.Position
		if p, ok := l.deps.Positions.Get(sym); ok {
			existing = &p
		}

		dec := l.deps.Risk.Evaluate(a, price, acct, existing, day)
		entry := persist.DecisionEntry{
			Time:   g.now.Format(time.RFC3339),
			Seq:    g.seq,
			Action: a,
			Price:  price,
		}

		switch {
		case dec.Rejected != nil:
			rj := *dec.Rejected
			res.Rejected = append(res.Rejected, rj)
			metrics.Rejections.WithLabelValues(rj.Reason).Inc()
			logger.Risk(ctx, sym, "rejected", "reason", rj.Reason, "detail", rj.Detail)
			entry.Outcome, entry.Reason, entry.Detail = "rejected", rj.Reason, rj.Detail
			if rj.ForceFlat && !flattened {
				flattened = true
				l.forceFlat(ctx, g, res, fail)
			}

		case dec.Approved != nil:
			o := *dec.Approved
			entry.Outcome, entry.Reason, entry.Quantity = "approved", o.Reason, o.Quantity
			var err error
			if o.Close {
				err = l.deps.Positions.Close(ctx, sym, o.Reason, g.seq)
			} else {
				err = l.deps.Positions.Open(ctx, o, g.seq)
			}
			if err != nil {
				entry.Outcome, entry.Detail = "failed", err.Error()
				fail(sym, "execute", err)
				break
			}
			res.Approved = append(res.Approved, o)
			acct = risk.Reserve(acct, o)

		default:
			entry.Outcome = "noop"
			entry.Reason = a.DecodeNote
		}

		if l.deps.Audit != nil {
			l.deps.Audit.AuditDecision(ctx, entry)
		}
	}
	return acct, ctx.Err()
}

// forceFlat closes every open position once the daily loss limit trips.
func (l *Loop) forceFlat(ctx context.Context, g *gathered, res *types.TickResult, fail func(sym, stage string, err error)) {
	for _, p := range l.deps.Positions.Positions() {
		p := p
		o := risk.ForceFlat(&p, g.price(p.Symbol))
		if o == nil {
			continue
		}
		logger.Risk(ctx, p.Symbol, "force_flat", "reason", o.Reason, "quantity", o.Quantity)
		if err := l.deps.Positions.Close(ctx, p.Symbol, o.Reason, g.seq); err != nil {
			fail(p.Symbol, "force_flat", err)
			continue
		}
		res.Approved = append(res.Approved, *o)
	}
}

// record appends the equity point and writes the snapshot. Balance is read
// again so fees and fills from this tick's orders are included; if that read
// fails the gathered balance stands.
func (l *Loop) record(ctx context.Context, g *gathered, res *types.TickResult) {
	bal := g.balance
	bctx, cancel := context.WithTimeout(ctx, l.opt.CallTimeout)
	if b, err := l.deps.Exchange.Balance(bctx); err == nil {
		bal = b
	} else {
		logger.Warn(ctx, "Post-trade balance unavailable, using gathered balance", "error", err)
	}
	cancel()

	acct := l.deps.Positions.Account(bal, g.now)
	res.Account = acct
	if err := l.deps.Tracker.RecordTick(ctx, acct.Equity, g.now); err != nil {
		logger.ErrorWithErr(ctx, "Equity record failed", err, "seq", g.seq)
		res.Errors = append(res.Errors, fmt.Sprintf("record: %v", err))
	}

	metrics.Equity.Set(acct.Equity)
	metrics.OpenPositions.Set(float64(acct.Positions))

	if err := l.writeSnapshot(res, g); err != nil {
		logger.ErrorWithErr(ctx, "Snapshot write failed", err, "seq", g.seq)
		res.Errors = append(res.Errors, fmt.Sprintf("snapshot: %v", err))
	}
}

func (l *Loop) writeSnapshot(res *types.TickResult, g *gathered) error {
	if l.opt.SnapshotPath == "" {
		return nil
	}
	return persist.WriteSnapshot(l.opt.SnapshotPath, persist.StateSnapshot{
		Seq:         g.seq,
		UpdatedAt:   g.now,
		Account:     res.Account,
		Positions:   l.deps.Positions.Positions(),
		Stats:       l.deps.Tracker.Stats(),
		Seeds:       g.seeds,
		FillCursors: l.deps.Positions.FillCursors(),
		LastTick:    res,
	})
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
