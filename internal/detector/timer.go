package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultScanInterval is how often the timer runs every rule.
const DefaultScanInterval = 5 * time.Minute

// Timer periodically runs a full detection scan.
type Timer struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a scan timer. A non-positive interval uses DefaultScanInterval.
func NewTimer(d *Detector, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Timer{
		detector: d,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scan loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
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

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in fraud scan timer", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.detector.RunAll(ctx)
	if err != nil {
		t.logger.Warn("scheduled fraud scan skipped", "error", err)
		return
	}
	if n := res.NewAlerts(); n > 0 {
		t.logger.Info("scheduled fraud scan raised alerts", "new_alerts", n)
	}
}
