package persist

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/types"
)

// OrderEntry is one order submission as sent and acknowledged.
type OrderEntry struct {
	Time    string         `json:"time"`
	Request types.OrderReq `json:"request"`
	Ack     types.OrderAck `json:"ack"`
	Error   string         `json:"error,omitempty"`
}

// DecisionEntry is one oracle action and what the risk manager made of it.
type DecisionEntry struct {
	Time     string               `json:"time"`
	Seq      uint64               `json:"seq"`
	Action   types.ProposedAction `json:"action"`
	Price    float64              `json:"price"`
	Outcome  string               `json:"outcome"` // approved, rejected, noop
	Reason   string               `json:"reason,omitempty"`
	Detail   string               `json:"detail,omitempty"`
	Quantity float64              `json:"quantity,omitempty"`
}

// AuditLog writes daily JSONL files: orders under dir, decisions under
// dir/decisions. Days are UTC.
type AuditLog struct {
	mu        sync.Mutex
	dir       string
	retention int
	now       func() time.Time
}

func NewAuditLog(dir string, retentionDays int) *AuditLog {
	return &AuditLog{dir: dir, retention: retentionDays, now: func() time.Time { return time.Now().UTC() }}
}

func (a *AuditLog) dailyPath(t time.Time) string {
	return filepath.Join(a.dir, t.UTC().Format("2006-01-02")+".jsonl")
}

func (a *AuditLog) decisionsPath(t time.Time) string {
	return filepath.Join(a.dir, "decisions", t.UTC().Format("2006-01-02")+".jsonl")
}

// AuditOrder records an order submission. Write failures are logged only;
// the audit trail never blocks trading.
func (a *AuditLog) AuditOrder(ctx context.Context, req types.OrderReq, ack types.OrderAck, err error) {
	now := a.now()
	e := OrderEntry{Time: now.Format(time.RFC3339Nano), Request: req, Ack: ack}
	if err != nil {
		e.Error = err.Error()
	}
	if werr := a.appendLine(a.dailyPath(now), e); werr != nil {
		logger.Warn(ctx, "Order audit write failed", "symbol", req.Symbol, "error", werr)
	}
}

func (a *AuditLog) AuditDecision(ctx context.Context, e DecisionEntry) {
	now := a.now()
	e.Time = now.Format(time.RFC3339Nano)
	if err := a.appendLine(a.decisionsPath(now), e); err != nil {
		logger.Warn(ctx, "Decision audit write failed", "symbol", e.Action.Symbol, "error", err)
	}
}

func (a *AuditLog) appendLine(p string, v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips audit files last modified before the retention window
// and removes the originals.
func (a *AuditLog) CompressOlder() error {
	if a.retention <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().AddDate(0, 0, -a.retention)
	return filepath.WalkDir(a.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		if _, err := os.Stat(gz); err == nil {
			return os.Remove(p)
		}
		if err := gzipFile(p, gz); err != nil {
			_ = os.Remove(gz)
			return nil
		}
		return os.Remove(p)
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
