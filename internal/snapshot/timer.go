package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRefreshInterval is how often the timer refreshes snapshots.
const DefaultRefreshInterval = 5 * time.Minute

// Timer keeps today's (and a stale yesterday's) snapshot current.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a refresh timer.
func NewTimer(s *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Timer{
		service:  s,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start refreshes once immediately, then on every tick. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRefresh(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRefresh(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in snapshot timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.service.Refresh(ctx); err != nil {
		t.logger.Error("snapshot refresh failed", "error", err)
	}
}
