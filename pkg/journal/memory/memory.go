package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
)

// MemoryJournal keeps entries in process memory. Entries are copied on the way in and
// out so callers cannot mutate stored state.
type MemoryJournal struct {
	mu     sync.RWMutex
	runs   map[string][]journal.Entry
	closed bool
	now    func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		runs: make(map[string][]journal.Entry),
		now:  time.Now,
	}
}

func (m *MemoryJournal) Record(_ context.Context, e *journal.Entry) error {
	if err := journal.Prepare(e, m.now); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return journal.ErrClosed
	}
	m.runs[e.RunID] = append(m.runs[e.RunID], *e)
	return nil
}

func (m *MemoryJournal) List(_ context.Context, runID string) ([]*journal.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, journal.ErrClosed
	}
	stored := m.runs[runID]
	out := make([]*journal.Entry, 0, len(stored))
	for i := range stored {
		e := stored[i]
		out = append(out, &e)
	}
	return out, nil
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}
