// Package position owns the per-symbol position state machine
// FLAT → PENDING_OPEN → OPEN → PENDING_CLOSE → FLAT.
//
// Every mutation goes through Manager; callers get copies. Exchange reports
// always win over local state.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm-perp-agent/internal/interfaces"
	"llm-perp-agent/internal/types"
)

// ErrStaleSeq is returned when a mutation carries an older tick sequence
// than the last one applied to the symbol.
var ErrStaleSeq = errors.New("stale tick sequence")

// ErrNotFlat is returned by Open when the symbol already has a position.
var ErrNotFlat = errors.New("position not flat")

// TradeRecorder receives each closed trade exactly once.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, tr types.TradeResult) error
}

// FillJournal remembers applied fill IDs across restarts.
type FillJournal interface {
	Seen(key string) (bool, error)
	Mark(key string) error
}

// Auditor records order submissions. Optional.
type Auditor interface {
	AuditOrder(ctx context.Context, req types.OrderReq, ack types.OrderAck, err error)
}

type Options struct {
	MaintenanceMarginRate float64
	EntryType             types.OrderType
	LimitOffsetBps        float64
	PendingTimeout        time.Duration
	AttachExits           bool
	PriceTick             map[string]float64
	Auditor               Auditor
	Now                   func() time.Time
	NewClientID           func() string
}

type Manager struct {
	mu      sync.Mutex
	ex      interfaces.Exchange
	rec     TradeRecorder
	journal FillJournal
	opt     Options

	book    map[string]*types.Position
	seen    map[string]struct{}
	cursors map[string]time.Time
}

func NewManager(ex interfaces.Exchange, rec TradeRecorder, journal FillJournal, opt Options) *Manager {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewClientID == nil {
		opt.NewClientID = uuid.NewString
	}
	if opt.EntryType == "" {
		opt.EntryType = types.Market
	}
	if opt.PendingTimeout <= 0 {
		opt.PendingTimeout = 2 * time.Minute
	}
	return &Manager{
		ex:      ex,
		rec:     rec,
		journal: journal,
		opt:     opt,
		book:    make(map[string]*types.Position),
		seen:    make(map[string]struct{}),
		cursors: make(map[string]time.Time),
	}
}

// Get returns a copy of symbol's position. ok is false when flat.
func (m *Manager) Get(symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.book[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all non-flat positions sorted by symbol.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionsLocked()
}

func (m *Manager) positionsLocked() []types.Position {
	out := make([]types.Position, 0, len(m.book))
	for _, p := range m.book {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore loads persisted state. It is meant for startup, before Reconcile.
func (m *Manager) Restore(positions []types.Position, cursors map[string]time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book = make(map[string]*types.Position, len(positions))
	for i := range positions {
		p := positions[i]
		if p.State == types.StateFlat || p.State == "" {
			continue
		}
		m.book[p.Symbol] = &p
	}
	m.cursors = make(map[string]time.Time, len(cursors))
	for k, v := range cursors {
		m.cursors[k] = v
	}
}

// FillCursors returns the per-symbol time up to which fills were polled.
func (m *Manager) FillCursors() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.cursors))
	for k, v := range m.cursors {
		out[k] = v
	}
	return out
}

// Account derives the account state from the wallet and the position set.
func (m *Manager) Account(bal types.Balance, now time.Time) types.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := types.AccountState{Cash: bal.Wallet, Available: bal.Available, Time: now}
	for _, p := range m.book {
		if p.Quantity == 0 {
			continue
		}
		n := p.Notional()
		acct.UnrealizedPnL = addf(acct.UnrealizedPnL, p.UnrealizedPnL)
		acct.Exposure += n
		if p.Leverage > 0 {
			acct.MarginUsed += n / float64(p.Leverage)
		}
		acct.Positions++
	}
	acct.Equity = addf(acct.Cash, acct.UnrealizedPnL)
	return acct
}

func (m *Manager) checkSeq(p *types.Position, seq uint64) error {
	if p != nil && seq < p.LastSeq {
		return fmt.Errorf("%s: seq %d < %d: %w", p.Symbol, seq, p.LastSeq, ErrStaleSeq)
	}
	return nil
}

func touch(p *types.Position, seq uint64) {
	if seq > p.LastSeq {
		p.LastSeq = seq
	}
}

func fillKey(symbol, id string) string { return symbol + ":" + id }
