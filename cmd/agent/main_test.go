package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/types"
)

func writeConfig(t *testing.T) (cfgPath, stateDir string) {
	t.Helper()
	dir := t.TempDir()
	stateDir = filepath.Join(dir, "state")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("mode: DRY_RUN\nsymbols: [BTCUSDT]\ninitial_capital: 1000\npersist:\n  state_dir: %s\n", stateDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, stateDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatsCommandReplaysLedger(t *testing.T) {
	cfgPath, stateDir := writeConfig(t)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	l, err := persist.OpenLedger(filepath.Join(stateDir, "performance.jsonl"))
	require.NoError(t, err)
	t0 := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.AppendRecord(types.PerformanceRecord{Time: t0, Equity: 1000}))
	require.NoError(t, l.AppendTrade(types.TradeResult{Symbol: "BTCUSDT", Direction: types.Long, PnL: 25, ClosedAt: t0.Add(time.Hour)}))
	require.NoError(t, l.AppendRecord(types.PerformanceRecord{Time: t0.Add(time.Hour), Equity: 1025}))
	require.NoError(t, l.Close())

	out, err := execute(t, "--config", cfgPath, "stats")
	require.NoError(t, err)

	var st types.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Trades)
	assert.Equal(t, 2, st.Records)
	assert.InDelta(t, 25.0, st.RealizedPnL, 1e-9)
	assert.InDelta(t, 1000.0, st.InitialCapital, 1e-9)
}

func TestEODCommand(t *testing.T) {
	cfgPath, stateDir := writeConfig(t)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	l, err := persist.OpenLedger(filepath.Join(stateDir, "performance.jsonl"))
	require.NoError(t, err)
	closed := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, l.AppendTrade(types.TradeResult{Symbol: "BTCUSDT", Direction: types.Short, Quantity: 0.01, EntryPrice: 100000, PnL: -4, Fees: 0.8, ClosedAt: closed}))
	require.NoError(t, l.Close())

	out, err := execute(t, "--config", cfgPath, "eod", "--date", "2025-10-01")
	require.NoError(t, err)
	want := filepath.Join(stateDir, "eod", "2025-10-01.csv")
	assert.Contains(t, out, want)
	assert.FileExists(t, want)

	out, err = execute(t, "--config", cfgPath, "eod", "--date", "2025-10-02")
	require.NoError(t, err)
	assert.Contains(t, out, "no closed trades")

	_, err = execute(t, "--config", cfgPath, "eod", "--date", "10/01/2025")
	require.Error(t, err)
}

func TestMissingConfigIsFatal(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "stats")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, 2, exitCode(errs.Fatal("op", errors.New("bad"))))
	assert.Equal(t, 1, exitCode(errs.Transient("op", errors.New("timeout"))))
}
