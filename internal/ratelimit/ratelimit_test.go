package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/logging"
)

type failingStore struct{}

func (failingStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("cache down")
}

func newTestLimiter(store Store, now *time.Time) *Limiter {
	l := New(store, logging.Discard())
	l.now = func() time.Time { return *now }
	return l
}

func TestLimiterAllow_FixedWindow(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Stop()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, &now)
	rule := Rule{Max: 3, Window: 60 * time.Second}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Allow(ctx, "op:u1", rule)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i, d.Count)
	}

	now = now.Add(20 * time.Second)
	d := l.Allow(ctx, "op:u1", rule)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	// Other principals have their own window.
	assert.True(t, l.Allow(ctx, "op:u2", rule).Allowed)

	// Exactly at the window edge the window still holds.
	now = now.Add(40 * time.Second)
	d = l.Allow(ctx, "op:u1", rule)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	now = now.Add(time.Millisecond)
	d = l.Allow(ctx, "op:u1", rule)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestLimiterAllow_FailsOpen(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(failingStore{}, &now)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(context.Background(), "k", Rule{Max: 1, Window: time.Minute}).Allowed)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Stop()
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	_, _, err := store.Hit(context.Background(), "a", time.Minute, start)
	require.NoError(t, err)
	_, _, err = store.Hit(context.Background(), "b", time.Hour, start)
	require.NoError(t, err)

	store.sweep(start.Add(2 * time.Minute))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotContains(t, store.windows, "a")
	assert.Contains(t, store.windows, "b")
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore(0)
	defer store.Stop()
	l := New(store, logging.Discard())

	r := gin.New()
	r.GET("/scan", l.Middleware("fraud_scan", Rule{Max: 2, Window: 300 * time.Second}, func(c *gin.Context) string {
		return c.GetHeader("X-Admin")
	}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	hit := func(admin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/scan", nil)
		req.Header.Set("X-Admin", admin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, hit("a").Code)
	assert.Equal(t, http.StatusOK, hit("a").Code)

	w := hit("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"retry_after":300`)

	assert.Equal(t, http.StatusOK, hit("b").Code)
}
