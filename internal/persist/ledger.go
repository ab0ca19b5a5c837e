// Package persist holds everything the agent writes to disk: the append-only
// performance ledger, the latest state snapshot and the order audit trail.
package persist

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/types"
)

type EntryKind string

const (
	EntryEquity EntryKind = "equity"
	EntryTrade  EntryKind = "trade"
)

// LedgerEntry is one line of the ledger. Exactly one of Equity or Trade is set.
type LedgerEntry struct {
	Kind   EntryKind                `json:"kind"`
	Time   time.Time                `json:"time"`
	Equity *types.PerformanceRecord `json:"equity,omitempty"`
	Trade  *types.TradeResult       `json:"trade,omitempty"`
}

// Ledger appends JSON lines and fsyncs each one. Lines are never rewritten.
type Ledger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Fatal("persist.OpenLedger", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Fatal("persist.OpenLedger", err)
	}
	return &Ledger{path: path, f: f}, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) AppendRecord(rec types.PerformanceRecord) error {
	return l.append(LedgerEntry{Kind: EntryEquity, Time: rec.Time, Equity: &rec})
}

func (l *Ledger) AppendTrade(tr types.TradeResult) error {
	return l.append(LedgerEntry{Kind: EntryTrade, Time: tr.ClosedAt, Trade: &tr})
}

func (l *Ledger) append(e LedgerEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("ledger closed")
	}
	if _, err := l.f.Write(b); err != nil {
		return errs.Transient("persist.Ledger.append", err)
	}
	return errs.Transient("persist.Ledger.append", l.f.Sync())
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLedger calls fn for every entry in file order. A missing file is an
// empty ledger. Undecodable lines, such as one torn by a crash, are skipped.
func ReadLedger(path string, fn func(LedgerEntry) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			logger.Warn(context.Background(), "Skipping malformed ledger line", "path", path, "line", line, "error", err)
			continue
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("ledger line %d: %w", line, err)
		}
	}
	return sc.Err()
}
