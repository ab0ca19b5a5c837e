package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"llm-perp-agent/internal/market"
	"llm-perp-agent/internal/types"
)

const SnapshotVersion = 1

// StateSnapshot is the latest committed state. Readers only ever see a
// complete file because writes go through a rename.
type StateSnapshot struct {
	Version     int                         `json:"version"`
	Seq         uint64                      `json:"seq"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	Account     types.AccountState          `json:"account"`
	Positions   []types.Position            `json:"positions"`
	Stats       types.Stats                 `json:"stats"`
	Seeds       map[string]market.SeedState `json:"seeds,omitempty"`
	FillCursors map[string]time.Time        `json:"fill_cursors,omitempty"`
	LastTick    *types.TickResult           `json:"last_tick,omitempty"`
}

// WriteSnapshot stores snap at path atomically.
func WriteSnapshot(path string, snap StateSnapshot) error {
	snap.Version = SnapshotVersion
	return WriteJSONAtomic(path, snap)
}

// WriteJSONAtomic writes v to a temp file in the same directory, syncs it
// and renames it over path.
func WriteJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshot loads the snapshot at path. ok is false when none exists yet.
func ReadSnapshot(path string) (snap StateSnapshot, ok bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return StateSnapshot{}, false, nil
	}
	if err != nil {
		return StateSnapshot{}, false, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return StateSnapshot{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	if snap.Version != SnapshotVersion {
		return StateSnapshot{}, false, fmt.Errorf("%s: snapshot version %d, want %d", path, snap.Version, SnapshotVersion)
	}
	return snap, true, nil
}
