// Package circuitbreaker gates expensive operations per key. A key opens
// after threshold failures inside a window and closes again once cooldown
// has passed since the last failure.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit open")

// OpenError is returned instead of running an operation whose circuit is open.
type OpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %s", e.Key, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// RetryAfterSeconds is RetryAfter rounded up, at least 1.
func (e *OpenError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota // Normal: requests flow through
	StateOpen                // Tripped: requests are rejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opscenter",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Settings configures one protected operation.
type Settings struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// Presets for the dashboard's aggregate reads.
var (
	Analytics = Settings{Threshold: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second}
	Overview  = Settings{Threshold: 3, Window: 60 * time.Second, Cooldown: 20 * time.Second}
)

// entry tracks per-key circuit state.
type entry struct {
	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	settings     Settings
	now          func() time.Time
	onTransition func(key string, from, to State) // optional callback for metrics
}

// New creates a breaker. Zero fields fall back to the Analytics preset.
func New(s Settings) *Breaker {
	if s.Threshold <= 0 {
		s.Threshold = Analytics.Threshold
	}
	if s.Window <= 0 {
		s.Window = Analytics.Window
	}
	if s.Cooldown <= 0 {
		s.Cooldown = Analytics.Cooldown
	}
	return &Breaker{
		entries:  make(map[string]*entry),
		settings: s,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Settings returns the breaker's configuration.
func (b *Breaker) Settings() Settings {
	return b.settings
}

// OnTransition sets a callback invoked on state changes (for metrics).
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// IsOpen reports whether calls for key are currently gated. An open circuit
// whose cooldown has elapsed is closed and its failure count reset.
func (b *Breaker) IsOpen(key string) bool {
	_, open := b.check(key)
	return open
}

// check returns the remaining cooldown when key is open.
func (b *Breaker) check(key string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.state != StateOpen {
		return 0, false
	}
	elapsed := b.now().Sub(e.lastFailure)
	if elapsed >= b.settings.Cooldown {
		e.failures = 0
		b.transition(e, key, StateClosed)
		return 0, false
	}
	return b.settings.Cooldown - elapsed, true
}

// RecordSuccess resets key's failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failures = 0
	b.transition(e, key, StateClosed)
}

// RecordFailure counts a failure and opens key at the threshold. Failures
// outside the window are forgotten; the window restarts at the next failure.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	if e.failures == 0 || now.Sub(e.windowStart) > b.settings.Window {
		e.failures = 0
		e.windowStart = now
	}
	e.failures++
	e.lastFailure = now

	if e.failures >= b.settings.Threshold {
		b.transition(e, key, StateOpen)
	}
}

// Failures returns key's current failure count.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.failures
	}
	return 0
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Execute runs fn unless key is open. Success resets the failure count;
// an error is recorded and returned unchanged.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if remaining, open := b.check(key); open {
		return &OpenError{Key: key, RetryAfter: remaining}
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
