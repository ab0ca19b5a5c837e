package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/types"
)

func setup(t *testing.T) (*gin.Engine, Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg := Config{
		SnapshotPath:   filepath.Join(dir, "latest.json"),
		LedgerPath:     filepath.Join(dir, "performance.jsonl"),
		InitialCapital: 100,
		PeriodsPerYear: 1,
	}
	return NewServer(cfg).Router(), cfg
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := setup(t)
	w := get(r, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSnapshotNotFoundThenServed(t *testing.T) {
	r, cfg := setup(t)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/snapshot").Code)

	require.NoError(t, persist.WriteSnapshot(cfg.SnapshotPath, persist.StateSnapshot{
		Seq:     3,
		Account: types.AccountState{Equity: 10795.9, UnrealizedPnL: 795.9},
	}))
	w := get(r, "/api/snapshot")
	require.Equal(t, http.StatusOK, w.Code)

	var snap persist.StateSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, 795.9, snap.Account.UnrealizedPnL)
}

func TestLedgerAndStats(t *testing.T) {
	r, cfg := setup(t)
	l, err := persist.OpenLedger(cfg.LedgerPath)
	require.NoError(t, err)
	t0 := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, eq := range []float64{100, 120, 90, 150, 60} {
		require.NoError(t, l.AppendRecord(types.PerformanceRecord{Time: t0.Add(time.Duration(i) * time.Hour), Equity: eq}))
	}
	require.NoError(t, l.Close())

	w := get(r, "/api/ledger?since="+t0.Add(3*time.Hour).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []persist.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Entries, 2)

	assert.Equal(t, http.StatusBadRequest, get(r, "/api/ledger?since=yesterday").Code)

	w = get(r, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st types.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.InDelta(t, 0.6, st.MaxDrawdown, 1e-12)
	assert.Equal(t, 5, st.Records)
}

func TestNoMutationRoutes(t *testing.T) {
	r, _ := setup(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/snapshot", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
