//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/testutil"
)

func TestRedisStore_FixedWindow(t *testing.T) {
	s := NewRedisStore(testutil.RedisTest(t), "test:rl:")
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	window := time.Minute

	for i := 1; i <= 3; i++ {
		count, start, err := s.Hit(ctx, "fraud_scan:admin-1", window, now.Add(time.Duration(i-1)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.True(t, start.Equal(now), "window starts at the first hit")
	}

	other, _, err := s.Hit(ctx, "fraud_scan:admin-2", window, now)
	require.NoError(t, err)
	assert.Equal(t, 1, other, "principals are counted separately")

	later := now.Add(window + time.Millisecond)
	count, start, err := s.Hit(ctx, "fraud_scan:admin-1", window, later)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "an elapsed window restarts")
	assert.True(t, start.Equal(later))
}

func TestRedisStore_WithLimiter(t *testing.T) {
	store := NewRedisStore(testutil.RedisTest(t), "test:rl:")
	now := time.Now()
	l := newTestLimiter(store, &now)
	rule := Rule{Max: 2, Window: 300 * time.Second}
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "scan:a", rule).Allowed)
	assert.True(t, l.Allow(ctx, "scan:a", rule).Allowed)
	d := l.Allow(ctx, "scan:a", rule)
	assert.False(t, d.Allowed)
	assert.Equal(t, 300*time.Second, d.RetryAfter)
}
