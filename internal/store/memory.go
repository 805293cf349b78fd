package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of [Store].
//
// Records are keyed by locator. When a capacity is set, the oldest record
// is evicted once it is exceeded.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	order    []string
	capacity int
}

// NewMemoryStore creates a [MemoryStore]. A capacity of zero or less keeps
// every record.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		capacity: capacity,
	}
}

// Save implements [Store].
func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.Locator]; exists {
		m.removeFromOrder(rec.Locator)
	}
	m.records[rec.Locator] = rec
	m.order = append(m.order, rec.Locator)

	if m.capacity > 0 && len(m.order) > m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.records, oldest)
	}
	return nil
}

func (m *MemoryStore) removeFromOrder(locator string) {
	for i, l := range m.order {
		if l == locator {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Recent implements [Store]. Records with equal timestamps are returned
// most recently saved first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.records[m.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExtractedAt.After(out[j].ExtractedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count implements [Store].
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// Close implements [Store]. It is a no-op.
func (m *MemoryStore) Close() error { return nil }
