package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Memory is an in-process Store. It backs tests and single-node development
// runs; the durable implementation is Postgres.
type Memory struct {
	mu      sync.RWMutex
	entries []change.Change // ascending by LSN
	byLSN   map[lsn.LSN]struct{}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{byLSN: make(map[lsn.LSN]struct{})}
}

func (m *Memory) Append(_ context.Context, c change.Change) error {
	if c.LSN.IsZero() {
		return ErrZeroLSN
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byLSN[c.LSN]; dup {
		return nil
	}
	m.byLSN[c.LSN] = struct{}{}

	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].LSN > c.LSN
	})
	m.entries = append(m.entries, change.Change{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = c
	return nil
}

func (m *Memory) HeadLSN(context.Context) (lsn.LSN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return lsn.Zero, nil
	}
	return m.entries[len(m.entries)-1].LSN, nil
}

func (m *Memory) ReadRange(_ context.Context, from, to lsn.LSN, limit int) ([]change.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].LSN > from
	})

	var out []change.Change
	for i := start; i < len(m.entries); i++ {
		if !to.IsZero() && m.entries[i].LSN > to {
			break
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountRange(_ context.Context, from, to lsn.LSN) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if e.LSN <= from {
			continue
		}
		if !to.IsZero() && e.LSN > to {
			break
		}
		n++
	}
	return n, nil
}

func (m *Memory) TruncateBefore(_ context.Context, before lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cut := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].LSN >= before
	})
	for _, e := range m.entries[:cut] {
		delete(m.byLSN, e.LSN)
	}
	m.entries = append([]change.Change(nil), m.entries[cut:]...)
	return nil
}
