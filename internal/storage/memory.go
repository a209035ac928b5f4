package storage

import (
	"context"
	"sync"
	"time"
)

const memoryPruneEvery = 500

type memoryStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	writes int
	closed bool
	now    func() time.Time
}

func NewMemory() Store {
	return &memoryStore{seen: map[string]time.Time{}, now: time.Now}
}

func (m *memoryStore) MarkSeen(_ context.Context, key string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	now := m.now()
	if prev, ok := m.seen[key]; ok && !prev.Before(now) {
		return false, nil
	}
	m.seen[key] = until

	m.writes++
	if m.writes%memoryPruneEvery == 0 {
		for k, u := range m.seen {
			if u.Before(now) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.seen = nil
	m.mu.Unlock()
	return nil
}
