package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowState struct {
	count  int
	start  time.Time
	window time.Duration
}

// MemoryStore is an in-process Store with periodic cleanup of expired windows.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowState
	stop    chan struct{}
	once    sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store and starts its cleanup goroutine.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*windowState),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanup(cleanupInterval)
	}
	return s
}

// cleanup removes windows that ended before the last tick
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if now.Sub(w.start) > w.window {
			delete(s.windows, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) > window {
		w = &windowState{count: 1, start: now, window: window}
		s.windows[key] = w
		return w.count, w.start, nil
	}
	w.count++
	return w.count, w.start, nil
}
