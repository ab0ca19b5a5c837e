// Package journal is the durable set of fill IDs already applied to the
// position book. It lets a restarted agent re-poll fills without counting
// any twice.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"llm-perp-agent/internal/errs"
	"llm-perp-agent/internal/logger"
)

const keyPrefix = "fill/"

type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// TTL drops fill keys after this long. Zero keeps them forever.
	TTL        time.Duration
	GCInterval time.Duration
}

func DefaultConfig(path string) Config {
	return Config{Path: path, TTL: 30 * 24 * time.Hour, GCInterval: 10 * time.Minute}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Journal struct {
	db   *badger.DB
	ttl  time.Duration
	stop chan struct{}
	wg   sync.WaitGroup
}

// badgerLogger routes badger's own messages through slog at debug level.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...any)   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...any) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Infof(f string, a ...any)    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...any)   { b.l.Debug(fmt.Sprintf(f, a...)) }

func Open(cfg Config) (*Journal, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errs.Fatal("journal.Open", errors.New("path required"))
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, errs.Fatal("journal.Open", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{l: logger.Slog().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Fatal("journal.Open", err)
	}
	j := &Journal{db: db, ttl: cfg.TTL, stop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.wg.Add(1)
		go j.gcLoop(cfg.GCInterval)
	}
	return j, nil
}

func (j *Journal) gcLoop(every time.Duration) {
	defer j.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-t.C:
			// one rewrite per tick is enough for a journal this size
			_ = j.db.RunValueLogGC(0.5)
		}
	}
}

// Seen reports whether key was marked before.
func (j *Journal) Seen(key string) (bool, error) {
	err := j.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (j *Journal) Mark(key string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), []byte(time.Now().UTC().Format(time.RFC3339)))
		if j.ttl > 0 {
			e = e.WithTTL(j.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Count returns the number of live keys. Used by stats and tests.
func (j *Journal) Count() (int, error) {
	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (j *Journal) Close() error {
	close(j.stop)
	j.wg.Wait()
	return j.db.Close()
}
