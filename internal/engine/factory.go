package engine

import (
	"path/filepath"

	"llm-perp-agent/internal/store"
)

// OptionsFromConfig maps the loop and persistence sections of cfg.
func OptionsFromConfig(cfg *store.Config) Options {
	return Options{
		Symbols:           cfg.Symbols,
		Interval:          cfg.Interval(),
		TickTimeout:       cfg.TickTimeout(),
		CallTimeout:       cfg.CallTimeout(),
		MaxBackoff:        cfg.MaxBackoff(),
		ReconcileAttempts: cfg.Loop.ReconcileAttempts,
		LedgerPath:        filepath.Join(cfg.Persist.StateDir, cfg.Persist.LedgerFile),
		SnapshotPath:      filepath.Join(cfg.Persist.StateDir, cfg.Persist.SnapshotFile),
		ReviewPositions:   cfg.Oracle.ReviewPositions,
	}
}

func New(cfg *store.Config, deps Deps) *Loop {
	return NewLoop(deps, OptionsFromConfig(cfg))
}
