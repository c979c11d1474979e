package history

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the in-memory store when no capacity is given.
const DefaultCapacity = 500

// MemoryStore keeps the most recent snapshots in a ring buffer.
type MemoryStore struct {
	mu    sync.RWMutex
	buf   []*Snapshot
	next  int
	count int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{buf: make([]*Snapshot, capacity)}
}

func (m *MemoryStore) Record(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = s
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Snapshot, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	out := []*Snapshot{}
	for i := offset; i < m.count && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out, m.count, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
