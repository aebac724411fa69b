// Package syncutil holds the small locking primitives shared by the
// detector and the alert service.
package syncutil

import "context"

// Gate admits one holder at a time. Unlike sync.Mutex, waiters give up when
// their context ends.
type Gate struct {
	ch chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// Enter blocks until the gate is free or ctx ends. The returned func
// releases the gate and must be called exactly once.
func (g *Gate) Enter(ctx context.Context) (func(), error) {
	select {
	case <-g.ch:
		return g.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryEnter takes the gate only if it is free right now.
func (g *Gate) TryEnter() (func(), bool) {
	select {
	case <-g.ch:
		return g.release, true
	default:
		return nil, false
	}
}

func (g *Gate) release() {
	g.ch <- struct{}{}
}
