package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	keyPrefixEntry = "journal:entry:"
	keySequence    = "journal:sequence"

	sequenceBandwidth = 100
)

type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// BadgerJournal stores entries on disk. Keys are the run id followed by a big endian
// sequence number, so a prefix scan returns a run in insertion order.
type BadgerJournal struct {
	db       *badgerdb.DB
	seq      *badgerdb.Sequence
	logger   *zap.Logger
	now      func() time.Time
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

func NewBadgerJournal(cfg *BadgerConfig, l *zap.Logger) (*BadgerJournal, error) {
	if cfg == nil {
		return nil, fmt.Errorf("badger config cannot be nil")
	}

	var opts badgerdb.Options
	location := "memory"
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		location = absPath
		opts = badgerdb.DefaultOptions(absPath)
		opts.SyncWrites = true
		opts.CompactL0OnClose = true
	}
	opts.Logger = &zapBadgerLogger{logger: l}
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", location, err)
	}
	seq, err := db.GetSequence([]byte(keySequence), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open journal sequence: %w", err)
	}

	bj := &BadgerJournal{
		db:     db,
		seq:    seq,
		logger: l,
		now:    time.Now,
	}
	if !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		bj.gcCancel = cancel
		bj.gcWg.Add(1)
		go bj.runGC(ctx)
	}

	l.Sugar().Infow("Badger journal initialized", "path", location)
	return bj, nil
}

func (b *BadgerJournal) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func runPrefix(runID string) []byte {
	return []byte(keyPrefixEntry + runID + ":")
}

func entryKey(runID string, n uint64) []byte {
	key := runPrefix(runID)
	return binary.BigEndian.AppendUint64(key, n)
}

func (b *BadgerJournal) Record(_ context.Context, e *journal.Entry) error {
	if err := journal.Prepare(e, b.now); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return journal.ErrClosed
	}

	data, err := journal.MarshalEntry(e)
	if err != nil {
		return err
	}
	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate journal sequence: %w", err)
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(entryKey(e.RunID, n), data)
	})
}

func (b *BadgerJournal) List(_ context.Context, runID string) ([]*journal.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, journal.ErrClosed
	}

	entries := make([]*journal.Entry, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = runPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := journal.UnmarshalEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries for run %s: %w", runID, err)
	}
	return entries, nil
}

func (b *BadgerJournal) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.seq.Release(); err != nil {
		b.logger.Sugar().Warnw("failed to release journal sequence", "error", err)
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	b.logger.Sugar().Info("Badger journal closed")
	return nil
}
