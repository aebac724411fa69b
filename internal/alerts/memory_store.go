package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory alert store for development and testing.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[int64]*Alert
	nextID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[int64]*Alert)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Target.Type != TargetSystem {
		for _, existing := range m.alerts {
			if existing.Type == a.Type && existing.Target.Type == a.Target.Type &&
				existing.Target.ID == a.Target.ID && existing.Status.IsOpen() {
				return ErrDuplicateOpen
			}
		}
	}

	m.nextID++
	a.ID = m.nextID
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; !ok {
		return ErrAlertNotFound
	}
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) FindOpen(ctx context.Context, typ Type, target Target) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.sortedLocked() {
		if a.Type == typ && a.Target.Type == target.Type && a.Target.ID == target.ID && a.Status.IsOpen() {
			return a.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ExistsSince(ctx context.Context, typ Type, statuses []Status, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.alerts {
		if a.Type != typ || a.CreatedAt.Before(since) {
			continue
		}
		for _, s := range statuses {
			if a.Status == s {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Alert, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Alert
	for _, a := range m.sortedLocked() {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	page := make([]*Alert, 0, end-start)
	for _, a := range matched[start:end] {
		page = append(page, a.Clone())
	}
	return page, total, nil
}

func (m *MemoryStore) CountActive(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active, critical := 0, 0
	for _, a := range m.alerts {
		if a.Status != StatusActive {
			continue
		}
		active++
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	return active, critical, nil
}

func (m *MemoryStore) Summary(ctx context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Summary{
		ByType:     make(map[Type]int),
		BySeverity: make(map[Severity]int),
	}
	scoreSum := 0
	for _, a := range m.alerts {
		if a.Status != StatusActive {
			continue
		}
		s.TotalActive++
		if a.Severity == SeverityCritical {
			s.CriticalCount++
		}
		s.ByType[a.Type]++
		s.BySeverity[a.Severity]++
		scoreSum += a.RiskScoreValue()
	}
	if s.TotalActive > 0 {
		s.AvgRiskScore = roundTenth(float64(scoreSum) / float64(s.TotalActive))
	}
	return s, nil
}

func (m *MemoryStore) MaxID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var maxID int64
	for id := range m.alerts {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

func (m *MemoryStore) ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if a.ID > afterID && a.Status == StatusActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, a := range out {
		out[i] = a.Clone()
	}
	return out, nil
}

// sortedLocked returns alerts newest first. Caller must hold m.mu.
func (m *MemoryStore) sortedLocked() []*Alert {
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
