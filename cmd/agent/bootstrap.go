package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"llm-perp-agent/internal/api"
	"llm-perp-agent/internal/broker/binance"
	"llm-perp-agent/internal/broker/brokerobs"
	"llm-perp-agent/internal/broker/paper"
	"llm-perp-agent/internal/engine"
	"llm-perp-agent/internal/eod"
	"llm-perp-agent/internal/eod/eodobs"
	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/influx"
	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/journal"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/market"
	"llm-perp-agent/internal/oracle/deepseek"
	"llm-perp-agent/internal/oracle/noop"
	"llm-perp-agent/internal/oracle/oracleobs"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/position"
	"llm-perp-agent/internal/risk"
	"llm-perp-agent/internal/store"
	"llm-perp-agent/internal/types"
)

// initializeSystem loads .env and sets up logging and tracing.
func initializeSystem() error {
	store.LoadEnv(".env")

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func loadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	if err := os.MkdirAll(cfg.Persist.StateDir, 0o755); err != nil {
		return nil, errs.Fatal("loadConfig", err)
	}
	return cfg, nil
}

func statePath(cfg *store.Config, name string) string {
	return filepath.Join(cfg.Persist.StateDir, name)
}

// compressOldAudits gzips audit files past the configured retention.
func compressOldAudits(ctx context.Context, audit *persist.AuditLog) {
	if err := audit.CompressOlder(); err != nil {
		logger.Warn(ctx, "Failed to compress old audit files", "error", err)
	}
}

// initializeExchange returns the venue the agent trades against. DRY_RUN
// simulates fills locally on top of live Binance market data.
func initializeExchange(ctx context.Context, cfg *store.Config) (interfaces.Exchange, error) {
	client, err := binance.FromConfig(cfg, os.Getenv)
	if err != nil {
		return nil, err
	}

	if cfg.Mode == store.ModeLive {
		logger.Warn(ctx, "Running in LIVE mode - orders will be sent to Binance", "testnet", cfg.Binance.Testnet)
		return brokerobs.Wrap(client), nil
	}

	logger.Warn(ctx, "Running in DRY_RUN mode - orders will be simulated")
	sim, err := paper.New(brokerobs.Wrap(client), paper.Config{
		InitialBalance:        cfg.InitialCapital,
		TakerFee:              cfg.Paper.TakerFee,
		MakerFee:              cfg.Paper.MakerFee,
		MaintenanceMarginRate: cfg.Risk.MaintenanceMarginRate,
		DefaultLeverage:       cfg.Risk.DefaultLeverage,
		StatePath:             statePath(cfg, "paper.json"),
	})
	if err != nil {
		return nil, err
	}
	return brokerobs.Wrap(sim), nil
}

// initializeOracle picks the decision provider. A missing API key is fatal in
// LIVE mode; DRY_RUN falls back to the always-hold oracle.
func initializeOracle(ctx context.Context, cfg *store.Config) (interfaces.Oracle, error) {
	var o interfaces.Oracle

	switch cfg.Oracle.Provider {
	case "DEEPSEEK", "OPENAI":
		ds, err := deepseek.FromConfig(cfg)
		switch {
		case err == nil:
			o = ds
		case cfg.Mode == store.ModeLive:
			return nil, err
		default:
			logger.Warn(ctx, "Oracle unavailable - using Noop oracle (always HOLD)", "provider", cfg.Oracle.Provider, "error", err)
			o = noop.New()
		}
	default:
		o = noop.New()
		logger.Warn(ctx, "No oracle provider configured - using Noop oracle (always HOLD)")
	}

	return oracleobs.Wrap(o), nil
}

// initializeSinks returns the optional time-series sinks for equity records.
func initializeSinks(ctx context.Context, cfg *store.Config) ([]performance.Sink, func()) {
	sink, err := influx.FromConfig(cfg, os.Getenv)
	if err != nil {
		logger.Warn(ctx, "InfluxDB sink disabled", "error", err)
		return nil, func() {}
	}
	if sink == nil {
		return nil, func() {}
	}
	if err := sink.Ping(ctx); err != nil {
		logger.Warn(ctx, "InfluxDB not healthy, writes will be retried each tick", "error", err)
	}
	return []performance.Sink{sink}, sink.Close
}

// runtime is everything the run command owns and must close.
type runtime struct {
	loop    *engine.Loop
	audit   *persist.AuditLog
	closers []func() error
}

func (r *runtime) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn(ctx, "Close failed", "error", err)
		}
	}
}

// initializeEngine opens the durable state and wires the control loop.
func initializeEngine(ctx context.Context, cfg *store.Config, ex interfaces.Exchange, orc interfaces.Oracle) (*runtime, error) {
	rt := &runtime{}

	jr, err := journal.Open(journal.DefaultConfig(statePath(cfg, cfg.Persist.JournalDir)))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, jr.Close)

	ledger, err := persist.OpenLedger(statePath(cfg, cfg.Persist.LedgerFile))
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, ledger.Close)

	sinks, closeSinks := initializeSinks(ctx, cfg)
	rt.closers = append(rt.closers, func() error { closeSinks(); return nil })

	rt.audit = persist.NewAuditLog(statePath(cfg, cfg.Persist.AuditDir), cfg.Persist.AuditRetentionDays)

	tracker := performance.NewTracker(cfg.InitialCapital, performance.PeriodsPerYear(cfg.Interval()), ledger, sinks...)

	positions := position.NewManager(ex, tracker, jr, position.Options{
		MaintenanceMarginRate: cfg.Risk.MaintenanceMarginRate,
		EntryType:             types.OrderType(cfg.Execution.EntryType),
		LimitOffsetBps:        cfg.Execution.LimitOffsetBps,
		PendingTimeout:        cfg.PendingTimeout(),
		AttachExits:           cfg.Execution.AttachExits,
		PriceTick:             cfg.Execution.PriceTick,
		Auditor:               rt.audit,
	})

	rt.loop = engine.New(cfg, engine.Deps{
		Exchange:  ex,
		Feed:      market.NewFeed(ex, cfg.Market.CandleInterval, cfg.Market.HistoryLimit, cfg.CallTimeout()),
		Analyzer:  market.NewAnalyzer(market.Params{EMAShort: cfg.Market.EMAShort, EMALong: cfg.Market.EMALong, SeriesLength: cfg.Market.SeriesLength}),
		Oracle:    orc,
		Risk:      risk.NewManager(risk.ParamsFromConfig(cfg)),
		Positions: positions,
		Tracker:   tracker,
		Audit:     rt.audit,
	})
	return rt, nil
}

// initializeEOD returns the daily CSV summarizer with observability.
func initializeEOD(cfg *store.Config) interfaces.EodSummarizer {
	return eodobs.Wrap(eod.NewSummarizer(statePath(cfg, cfg.Persist.LedgerFile), statePath(cfg, "eod")))
}

// initializeDashboard returns nil when the dashboard is disabled.
func initializeDashboard(cfg *store.Config) *api.Server {
	if !cfg.Dashboard.Enabled {
		return nil
	}
	return api.NewServer(api.Config{
		Addr:           cfg.Dashboard.Addr,
		SnapshotPath:   statePath(cfg, cfg.Persist.SnapshotFile),
		LedgerPath:     statePath(cfg, cfg.Persist.LedgerFile),
		InitialCapital: cfg.InitialCapital,
		PeriodsPerYear: performance.PeriodsPerYear(cfg.Interval()),
	})
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 0
	case errs.IsFatal(err):
		return 2
	default:
		return 1
	}
}
