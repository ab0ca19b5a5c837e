// Package engine drives the control loop: gather market data and an oracle
// decision, push each proposal through risk into the position manager, then
// record equity and persist a snapshot. Ticks never overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"llm-perp-agent/internal/engine/engineobs"
	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/market"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/position"
	"llm-perp-agent/internal/risk"
	"llm-perp-agent/internal/types"
)

// ErrTickInProgress is returned when Tick is called while another tick runs.
var ErrTickInProgress = errors.New("tick already in progress")

// DecisionAuditor receives every evaluated oracle action.
type DecisionAuditor interface {
	AuditDecision(ctx context.Context, e persist.DecisionEntry)
}

type Options struct {
	Symbols           []string
	Interval          time.Duration
	TickTimeout       time.Duration
	CallTimeout       time.Duration
	MaxBackoff        time.Duration
	ReconcileAttempts int
	LedgerPath        string
	SnapshotPath      string
	// ReviewPositions enables the per-position close-or-hold check when the
	// oracle supports it.
	ReviewPositions bool
	Now             func() time.Time
}

// Deps are the collaborators a Loop drives. Audit may be nil.
type Deps struct {
	Exchange  interfaces.Exchange
	Feed      *market.Feed
	Analyzer  *market.Analyzer
	Oracle    interfaces.Oracle
	Risk      *risk.Manager
	Positions *position.Manager
	Tracker   *performance.Tracker
	Audit     DecisionAuditor
}

type Loop struct {
	opt  Options
	deps Deps

	// ticker is the loop itself behind the tracing decorator
	ticker  interfaces.Engine
	running atomic.Bool

	mu    sync.Mutex
	seq   uint64
	seeds map[string]market.SeedState
	last  *types.TickResult
}

var _ interfaces.Engine = (*Loop)(nil)

func NewLoop(deps Deps, opt Options) *Loop {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Interval <= 0 {
		opt.Interval = 3 * time.Minute
	}
	if opt.TickTimeout <= 0 || opt.TickTimeout > opt.Interval {
		opt.TickTimeout = opt.Interval
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = 20 * time.Second
	}
	if opt.MaxBackoff < opt.Interval {
		opt.MaxBackoff = opt.Interval
	}
	if opt.ReconcileAttempts <= 0 {
		opt.ReconcileAttempts = 1
	}
	l := &Loop{opt: opt, deps: deps, seeds: map[string]market.SeedState{}}
	l.ticker = engineobs.Wrap(l)
	return l
}

// Seq is the sequence number of the last committed tick.
func (l *Loop) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Last returns the result of the last completed tick, or nil.
func (l *Loop) Last() *types.TickResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Startup restores the tracker from the ledger and positions from the last
// snapshot, then reconciles with the exchange. Reconciliation is retried with
// backoff; running out of attempts is fatal because trading on an unknown
// book is not allowed.
func (l *Loop) Startup(ctx context.Context) error {
	op := logger.StartOperation(ctx, "engine.Startup")
	ctx = op.GetContext()

	if l.opt.LedgerPath != "" {
		if err := l.deps.Tracker.Replay(l.opt.LedgerPath); err != nil {
			op.EndWithError(err)
			return err
		}
	}

	if l.opt.SnapshotPath != "" {
		snap, ok, err := persist.ReadSnapshot(l.opt.SnapshotPath)
		if err != nil {
			op.EndWithError(err)
			return errs.Fatal("engine.Startup", err)
		}
		if ok {
			l.deps.Positions.Restore(snap.Positions, snap.FillCursors)
			l.mu.Lock()
			l.seq = snap.Seq
			if snap.Seeds != nil {
				l.seeds = snap.Seeds
			}
			l.last = snap.LastTick
			l.mu.Unlock()
			logger.Info(ctx, "Restored state snapshot",
				"seq", snap.Seq,
				"positions", len(snap.Positions),
				"updated_at", snap.UpdatedAt,
			)
		}
	}

	// Pick up fills that landed while the process was down before comparing books.
	if err := l.deps.Positions.Sync(ctx); err != nil {
		logger.Warn(ctx, "Startup fill sync incomplete", "error", err)
	}

	b := &backoff.Backoff{Min: time.Second, Max: l.opt.MaxBackoff, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= l.opt.ReconcileAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, l.opt.TickTimeout)
		mm, err := l.deps.Positions.Reconcile(rctx)
		cancel()
		if err == nil {
			op.End("mismatches", len(mm), "attempts", attempt)
			return nil
		}
		lastErr = err
		logger.Warn(ctx, "Reconcile failed, retrying", "attempt", attempt, "error", err)
		if attempt == l.opt.ReconcileAttempts {
			break
		}
		select {
		case <-ctx.Done():
			op.EndWithError(ctx.Err())
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	err := errs.Fatal("engine.Startup", fmt.Errorf("reconcile failed after %d attempts: %w", l.opt.ReconcileAttempts, lastErr))
	op.EndWithError(err)
	return err
}

// Run ticks until ctx is cancelled. The in-flight tick runs on a context
// detached from ctx so shutdown lets it finish and persist. Failed ticks
// push the next one out with exponential backoff.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Startup(ctx); err != nil {
		return err
	}

	b := &backoff.Backoff{Min: l.opt.Interval, Max: l.opt.MaxBackoff, Factor: 2}
	logger.Info(ctx, "Control loop started",
		"symbols", l.opt.Symbols,
		"interval", l.opt.Interval.String(),
		"tick_timeout", l.opt.TickTimeout.String(),
	)

	for {
		if ctx.Err() != nil {
			break
		}

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opt.TickTimeout)
		_, err := l.ticker.Tick(tctx)
		cancel()

		delay := l.opt.Interval
		if err != nil {
			delay = b.Duration()
			logger.Warn(ctx, "Tick abandoned, backing off",
				"error", err,
				"kind", errs.KindOf(err).String(),
				"next_in", delay.String(),
			)
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	logger.Info(ctx, "Control loop stopping", "seq", l.Seq())
	return nil
}
