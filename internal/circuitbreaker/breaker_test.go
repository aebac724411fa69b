package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(s Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	return New(s).WithClock(clock.Now), clock
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error { return errBoom }

func TestBreaker_ClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(Overview)
	if b.IsOpen("svc1") {
		t.Fatal("expected closed circuit for unknown key")
	}
	if b.State("svc1") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("svc1"))
	}
}

func TestBreaker_OpenAndCooldown(t *testing.T) {
	b, clock := newTestBreaker(Settings{Threshold: 3, Window: 60 * time.Second, Cooldown: 20 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, "overview", fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected the operation's error unchanged, got %v", i, err)
		}
	}
	if !b.IsOpen("overview") {
		t.Fatal("should be open after 3 failures")
	}

	// 10s after the third failure the operation is not run.
	clock.Advance(10 * time.Second)
	ran := false
	err := b.Execute(ctx, "overview", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Fatal("operation ran while circuit open")
	}
	var oe *OpenError
	if !errors.As(err, &oe) || !errors.Is(err, ErrOpen) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if oe.RetryAfter != 10*time.Second || oe.RetryAfterSeconds() != 10 {
		t.Fatalf("expected 10s retry hint, got %v", oe.RetryAfter)
	}

	// 25s after: cooldown elapsed, the call executes and success resets.
	clock.Advance(15 * time.Second)
	ran = false
	if err := b.Execute(ctx, "overview", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !ran {
		t.Fatal("operation should run after cooldown")
	}
	if b.Failures("overview") != 0 {
		t.Fatalf("expected failure count reset, got %d", b.Failures("overview"))
	}
	if b.State("overview") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("overview"))
	}
}

func TestBreaker_FailuresOutsideWindowAreForgotten(t *testing.T) {
	b, clock := newTestBreaker(Settings{Threshold: 3, Window: 60 * time.Second, Cooldown: 20 * time.Second})

	b.RecordFailure("svc1")
	b.RecordFailure("svc1")
	clock.Advance(61 * time.Second)
	b.RecordFailure("svc1")

	if b.IsOpen("svc1") {
		t.Fatal("failures from an expired window should not count")
	}
	if b.Failures("svc1") != 1 {
		t.Fatalf("expected 1 failure in new window, got %d", b.Failures("svc1"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(Settings{Threshold: 3, Window: time.Minute, Cooldown: time.Second})

	b.RecordFailure("svc1")
	b.RecordFailure("svc1")
	b.RecordSuccess("svc1")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("svc1")
	if b.IsOpen("svc1") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(Settings{Threshold: 2, Window: time.Minute, Cooldown: time.Minute})

	b.RecordFailure("svc1")
	b.RecordFailure("svc1")

	// svc1 is open, svc2 should be unaffected.
	if !b.IsOpen("svc1") {
		t.Fatal("svc1 should be open")
	}
	if b.IsOpen("svc2") {
		t.Fatal("svc2 should be closed")
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Settings{})
	if b.Settings() != Analytics {
		t.Fatalf("expected analytics preset, got %+v", b.Settings())
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, clock := newTestBreaker(Settings{Threshold: 2, Window: time.Minute, Cooldown: 20 * time.Second})

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	done := make(chan struct{}, 2)
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
		done <- struct{}{}
	})

	b.RecordFailure("svc1")
	b.RecordFailure("svc1") // closed→open
	<-done
	clock.Advance(21 * time.Second)
	b.IsOpen("svc1") // open→closed
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
	if transitions[1].to != StateClosed {
		t.Fatalf("expected open→closed, got %v→%v", transitions[1].from, transitions[1].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
