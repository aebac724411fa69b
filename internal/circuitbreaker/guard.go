package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/opscenter/internal/cache"
)

// Guard protects a JSON-producing read with a breaker and keeps the last
// good response so an open or failing circuit can still serve stale data.
type Guard struct {
	breaker *Breaker
	key     string
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// NewGuard creates a guard for key. ttl bounds how long a last-good value
// stays servable.
func NewGuard(b *Breaker, key string, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Guard {
	return &Guard{breaker: b, key: key, cache: c, ttl: ttl, logger: logger}
}

func (g *Guard) cacheKey(variant string) string {
	return "circuit:stale:" + g.key + ":" + variant
}

// Do runs fn and returns its JSON encoding. variant separates cached
// values of one operation (for example by query parameters). stale is true
// when the result came from the last-good cache. When the circuit is open
// and nothing is cached the error is an *OpenError; when fn fails and
// nothing is cached it is fn's error.
func (g *Guard) Do(ctx context.Context, variant string, fn func(ctx context.Context) (any, error)) (body []byte, stale bool, err error) {
	var out []byte
	err = g.breaker.Execute(ctx, g.key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s response: %w", g.key, err)
		}
		return nil
	})
	if err == nil {
		if cerr := g.cache.Set(ctx, g.cacheKey(variant), out, g.ttl); cerr != nil {
			g.logger.Warn("failed to store last-good response", "key", g.key, "error", cerr)
		}
		return out, false, nil
	}

	if !errors.Is(err, ErrOpen) {
		g.logger.Error("circuit breaker failure", "key", g.key, "error", err)
	}
	cached, ok, cerr := g.cache.Get(ctx, g.cacheKey(variant))
	if cerr != nil {
		g.logger.Warn("failed to read last-good response", "key", g.key, "error", cerr)
	}
	if ok {
		return cached, true, nil
	}
	return nil, false, err
}
