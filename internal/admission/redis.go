package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the shared session count.
const DefaultRedisKey = "opscenter:stream:sessions"

// floorDecrScript decrements KEYS[1] without letting it go below zero.
var floorDecrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisCounter shares the session count across server processes.
type RedisCounter struct {
	client *redis.Client
	key    string
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter creates a counter stored at key.
func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisCounter{client: client, key: key}
}

func (c *RedisCounter) Incr(ctx context.Context) (int64, error) {
	n, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment session count: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Decr(ctx context.Context) (int64, error) {
	n, err := floorDecrScript.Run(ctx, c.client, []string{c.key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement session count: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Value(ctx context.Context) (int64, error) {
	n, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session count: %w", err)
	}
	return n, nil
}
