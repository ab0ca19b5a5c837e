package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/persist"
)

const eodCheckInterval = time.Minute

func main() {
	if err := initializeSystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = logger.Shutdown(shutdownCtx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agent",
		Short:         "LLM-driven perpetual futures trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newStatsCmd(&configPath),
		newEODCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop and dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	ex, err := initializeExchange(ctx, cfg)
	if err != nil {
		return err
	}
	orc, err := initializeOracle(ctx, cfg)
	if err != nil {
		return err
	}
	rt, err := initializeEngine(ctx, cfg, ex, orc)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	compressOldAudits(ctx, rt.audit)

	logger.Info(ctx, "Agent starting",
		"mode", cfg.Mode,
		"symbols", cfg.Symbols,
		"interval", cfg.Interval().String(),
		"oracle", cfg.Oracle.Provider,
		"debug", logger.IsDebugEnabled(),
		"tracing", logger.IsTracingEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.loop.Run(gctx) })
	if dash := initializeDashboard(cfg); dash != nil {
		g.Go(func() error { return dash.Start(gctx) })
	}
	g.Go(func() error {
		runEODScheduler(gctx, initializeEOD(cfg), rt.audit)
		return nil
	})

	err = g.Wait()
	logger.Info(ctx, "Agent stopped", "seq", rt.loop.Seq())
	return err
}

// runEODScheduler writes yesterday's summary once the UTC day rolls over.
func runEODScheduler(ctx context.Context, s interfaces.EodSummarizer, audit *persist.AuditLog) {
	t := time.NewTicker(eodCheckInterval)
	defer t.Stop()

	// days with no trades write no file, so remember what was already tried
	var done time.Time
	for {
		if ok, day := s.ShouldRunNow(); ok && !day.Equal(done) {
			if _, err := s.SummarizeDay(ctx, day); err == nil {
				done = day
				compressOldAudits(ctx, audit)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print performance statistics from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			tr := performance.NewTracker(cfg.InitialCapital, performance.PeriodsPerYear(cfg.Interval()), nil)
			if err := tr.Replay(statePath(cfg, cfg.Persist.LedgerFile)); err != nil {
				return err
			}
			return printJSON(cmd, tr.Stats())
		},
	}
}

func newEODCmd(configPath *string) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "eod",
		Short: "Write the end-of-day CSV summary for a UTC date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			s := initializeEOD(cfg)

			var path string
			if date == "" {
				path, err = s.SummarizeToday(cmd.Context())
			} else {
				day, perr := time.Parse(time.DateOnly, date)
				if perr != nil {
					return fmt.Errorf("invalid --date %q: %w", date, perr)
				}
				path, err = s.SummarizeDay(cmd.Context(), day)
			}
			if err != nil {
				return err
			}
			if path == "" {
				cmd.Println("no closed trades")
				return nil
			}
			cmd.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC date as YYYY-MM-DD (default today)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
