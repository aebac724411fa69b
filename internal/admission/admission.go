// Package admission bounds the number of concurrent admin feed sessions.
//
// The counter is the only datum shared by every session, so it lives behind
// a Counter with atomic increment and a decrement floored at zero: in-process
// for a single server, Redis for several.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/opscenter/internal/metrics"
)

var (
	ErrCapacityExceeded   = errors.New("too many active connections")
	ErrCounterUnavailable = errors.New("connection counter unavailable")
)

// DefaultMaxSessions is the concurrent session cap for a goroutine-per-session server.
const DefaultMaxSessions = 200

const releaseTimeout = 2 * time.Second

// Counter is a shared, never-negative integer.
type Counter interface {
	Incr(ctx context.Context) (int64, error)
	// Decr decrements and returns the new value, never going below zero.
	Decr(ctx context.Context) (int64, error)
	Value(ctx context.Context) (int64, error)
}

// Controller grants and releases session slots.
type Controller struct {
	counter Counter
	max     int64
	logger  *slog.Logger
}

// New creates a controller admitting at most limit sessions.
func New(counter Counter, limit int, logger *slog.Logger) *Controller {
	if limit <= 0 {
		limit = DefaultMaxSessions
	}
	return &Controller{counter: counter, max: int64(limit), logger: logger}
}

// Max returns the configured session cap.
func (c *Controller) Max() int64 {
	return c.max
}

// Active returns the current number of admitted sessions.
func (c *Controller) Active(ctx context.Context) (int64, error) {
	return c.counter.Value(ctx)
}

// Acquire claims a slot. It never queues: a full controller returns
// ErrCapacityExceeded, and a counter failure returns ErrCounterUnavailable
// so the caller rejects the connection rather than risk overcommitting.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	n, err := c.counter.Incr(ctx)
	if err != nil {
		metrics.AdmissionRejectionsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	if n > c.max {
		c.rollback()
		metrics.AdmissionRejectionsTotal.WithLabelValues("capacity").Inc()
		return nil, ErrCapacityExceeded
	}

	metrics.StreamSessionsActive.Inc()
	return &Slot{controller: c}, nil
}

// rollback undoes the increment of a rejected Acquire. It runs on its own
// context: the caller's may already be done, and a skipped decrement would
// leak the slot.
func (c *Controller) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := c.counter.Decr(ctx); err != nil {
		c.logger.Error("failed to roll back rejected admission", "error", err)
	}
}

// Slot is one admitted session. Release is safe to call any number of
// times; only the first call decrements the counter.
type Slot struct {
	controller *Controller
	once       sync.Once
}

// Release returns the slot to the controller. The decrement runs on its
// own context so a cancelled request still frees its slot.
func (s *Slot) Release() {
	s.once.Do(func() {
		metrics.StreamSessionsActive.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if _, err := s.controller.counter.Decr(ctx); err != nil {
			s.controller.logger.Error("failed to release admission slot", "error", err)
		}
	})
}
