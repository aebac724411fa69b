package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit store for development and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	cp := *e
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.AdminUID != "" && e.AdminUID != q.AdminUID {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	out := make([]*Entry, 0, end-start)
	for _, e := range matched[start:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}
