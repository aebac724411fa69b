// Package retry re-runs transient failures with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total calls, at least 1
	BaseDelay time.Duration // first backoff, doubled each retry
	MaxDelay  time.Duration // cap on a single backoff; zero means uncapped
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Backoff returns the sleep before retry number n (0-based): BaseDelay*2^n
// with +-25% jitter, capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	d := p.BaseDelay << n
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := int64(d / 4)
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx ends. attempt starts at 1. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		t := time.NewTimer(p.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
