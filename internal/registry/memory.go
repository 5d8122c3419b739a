package registry

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory, in creation order.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exact := QueryFor(rec.Identity())
	exact.AnySubchannel = false
	if existing, ok := m.find(exact); ok {
		return existing, false, nil
	}
	m.records = append(m.records, rec)
	return rec, true, nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.find(q)
	return rec, ok, nil
}

func (m *MemoryStore) find(q Query) (Record, bool) {
	for _, rec := range m.records {
		if q.Match(rec.Data) {
			return rec, true
		}
	}
	return Record{}, false
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
