package admission

import (
	"context"
	"sync/atomic"
)

// LocalCounter is an in-process counter.
type LocalCounter struct {
	n atomic.Int64
}

var _ Counter = (*LocalCounter)(nil)

// NewLocalCounter creates a zeroed counter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{}
}

func (c *LocalCounter) Incr(ctx context.Context) (int64, error) {
	return c.n.Add(1), nil
}

func (c *LocalCounter) Decr(ctx context.Context) (int64, error) {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return 0, nil
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

func (c *LocalCounter) Value(ctx context.Context) (int64, error) {
	return c.n.Load(), nil
}
