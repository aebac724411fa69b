// Package ratelimit provides fixed-window rate limiting for the admin API.
//
// Each (operation, principal) pair gets a counter that starts at the first
// request and resets once the window has elapsed. Store failures never
// block a request.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/metrics"
)

// Rule is a per-operation budget.
type Rule struct {
	Max    int
	Window time.Duration
}

// Operation presets for the admin API.
var (
	FraudList     = Rule{Max: 60, Window: 60 * time.Second}
	FraudAction   = Rule{Max: 30, Window: 60 * time.Second}
	HighRiskUsers = Rule{Max: 20, Window: 60 * time.Second}
	FraudScan     = Rule{Max: 5, Window: 300 * time.Second}
	FraudSummary  = Rule{Max: 60, Window: 60 * time.Second}
	AdminVerify   = Rule{Max: 5, Window: 300 * time.Second}
	Analytics     = Rule{Max: 30, Window: 60 * time.Second}
	AuditRead     = Rule{Max: 30, Window: 60 * time.Second}
	StreamConnect = Rule{Max: 30, Window: 60 * time.Second}
)

// Store records hits in a fixed window.
type Store interface {
	// Hit counts one request for key. The window starts at the first hit
	// and restarts when more than window has elapsed since its start.
	// It returns the count within the current window and its start time.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter applies Rules over a Store.
type Limiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter.
func New(store Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Allow records a hit for key and decides whether it fits rule.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) Decision {
	now := l.now()
	count, start, err := l.store.Hit(ctx, key, rule.Window, now)
	if err != nil {
		// Fail open
		l.logger.Warn("rate limit store unavailable", "key", key, "error", err)
		return Decision{Allowed: true}
	}

	if count <= rule.Max {
		return Decision{Allowed: true, Count: count}
	}

	remaining := rule.Window - now.Sub(start)
	secs := math.Round(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	return Decision{
		Allowed:    false,
		Count:      count,
		RetryAfter: time.Duration(secs) * time.Second,
	}
}

// KeyFunc extracts the principal a request is limited by.
type KeyFunc func(c *gin.Context) string

// Middleware limits op per principal. Rejections respond 429 with a
// Retry-After header.
func (l *Limiter) Middleware(op string, rule Rule, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := keyFn(c)
		if principal == "" {
			principal = "anon"
		}

		d := l.Allow(c.Request.Context(), op+":"+principal, rule)
		if !d.Allowed {
			retry := int(d.RetryAfter.Seconds())
			metrics.RateLimitRejectionsTotal.WithLabelValues(op).Inc()
			l.logger.Warn("rate limit exceeded",
				"op", op,
				"principal", principal,
				"count", d.Count,
				"max", rule.Max,
				"window", rule.Window.String(),
			)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// ClientIP keys requests by client address.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}
