package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Snapshot)}
}

func (m *MemoryStore) Upsert(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.Date.Format(DateLayout)] = *s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, date time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[date.Format(DateLayout)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Range(ctx context.Context, from, to time.Time) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo, hi := from.Format(DateLayout), to.Format(DateLayout)
	var out []*Snapshot
	for key, s := range m.rows {
		if key < lo || key > hi {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
