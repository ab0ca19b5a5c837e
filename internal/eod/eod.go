// Package eod writes a per-symbol CSV summary of each UTC day's closed trades
// from the performance ledger.
package eod

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"llm-perp-agent/internal/persist"
	"llm-perp-agent/internal/types"
)

type eodSummarizer struct {
	ledgerPath string
	outDir     string
	now        func() time.Time
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *eodSummarizer) csvPath(day time.Time) string {
	return filepath.Join(s.outDir, dayStart(day).Format("2006-01-02")+".csv")
}

// SummarizeDay returns "" and no error when the day has no closed trades.
func (s *eodSummarizer) SummarizeDay(ctx context.Context, day time.Time) (string, error) {
	from := dayStart(day)
	to := from.Add(24 * time.Hour)

	aggs := map[string]*aggRow{}
	err := persist.ReadLedger(s.ledgerPath, func(e persist.LedgerEntry) error {
		if e.Kind != persist.EntryTrade || e.Trade == nil {
			return nil
		}
		tr := e.Trade
		if tr.ClosedAt.Before(from) || !tr.ClosedAt.Before(to) || tr.Symbol == "" {
			return nil
		}
		row := aggs[tr.Symbol]
		if row == nil {
			row = newRow(tr.Symbol)
			aggs[tr.Symbol] = row
		}
		row.Trades++
		if tr.PnL > 0 {
			row.Wins++
		}
		if tr.Direction == types.Short {
			row.Shorts++
		} else {
			row.Longs++
		}
		row.Notional = row.Notional.Add(decimal.NewFromFloat(tr.EntryPrice).Mul(decimal.NewFromFloat(tr.Quantity)))
		row.PnL = row.PnL.Add(decimal.NewFromFloat(tr.PnL))
		row.Fees = row.Fees.Add(decimal.NewFromFloat(tr.Fees))
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(aggs) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := s.csvPath(from)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	headers := []string{"symbol", "trades", "longs", "shorts", "wins", "win_rate_pct", "entry_notional", "realized_pnl", "fees", "net_pnl"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	total := newRow("TOTAL")
	for _, k := range keys {
		r := aggs[k]
		if err := w.Write(record(r)); err != nil {
			return "", err
		}
		total.Trades += r.Trades
		total.Wins += r.Wins
		total.Longs += r.Longs
		total.Shorts += r.Shorts
		total.Notional = total.Notional.Add(r.Notional)
		total.PnL = total.PnL.Add(r.PnL)
		total.Fees = total.Fees.Add(r.Fees)
	}
	if err := w.Write(record(total)); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return outPath, nil
}

func record(r *aggRow) []string {
	return []string{
		r.Symbol,
		strconv.Itoa(r.Trades),
		strconv.Itoa(r.Longs),
		strconv.Itoa(r.Shorts),
		strconv.Itoa(r.Wins),
		fmt.Sprintf("%.2f", r.winRate()),
		r.Notional.StringFixed(2),
		r.PnL.StringFixed(2),
		r.Fees.StringFixed(4),
		r.PnL.Sub(r.Fees).StringFixed(2),
	}
}

func (s *eodSummarizer) SummarizeToday(ctx context.Context) (string, error) {
	return s.SummarizeDay(ctx, s.now())
}

// ShouldRunNow checks yesterday (UTC); crypto perps never close, so a day is
// only complete once the next one has started.
func (s *eodSummarizer) ShouldRunNow() (bool, time.Time) {
	day := dayStart(s.now()).Add(-24 * time.Hour)
	if _, err := os.Stat(s.csvPath(day)); errors.Is(err, os.ErrNotExist) {
		return true, day
	}
	return false, day
}
