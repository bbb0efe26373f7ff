package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Memory is an in-process Registry for tests and development runs.
type Memory struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{clients: make(map[string]Client)}
}

func (m *Memory) Get(_ context.Context, clientID string) (Client, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok, nil
}

func (m *Memory) Upsert(_ context.Context, c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = time.Now()
	if prev, ok := m.clients[c.ClientID]; ok && c.LastAckLSN < prev.LastAckLSN {
		// Upsert never rewinds a cursor either.
		c.LastAckLSN = prev.LastAckLSN
	}
	m.clients[c.ClientID] = c
	return nil
}

func (m *Memory) UpdateLastAck(_ context.Context, clientID string, l lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	if lsn.Compare(l, c.LastAckLSN) > 0 {
		c.LastAckLSN = l
		c.UpdatedAt = time.Now()
		m.clients[clientID] = c
	}
	return nil
}

func (m *Memory) List(context.Context) ([]Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[clientID]; !ok {
		return ErrNotFound
	}
	delete(m.clients, clientID)
	return nil
}
