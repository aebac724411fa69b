package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript keeps {count, window_start} in a hash. Times are in ms.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local data = redis.call('HMGET', key, 'count', 'window_start')
local count = tonumber(data[1])
local start = tonumber(data[2])
if count == nil or start == nil or now - start > window then
  count = 1
  start = now
else
  count = count + 1
end
redis.call('HSET', key, 'count', count, 'window_start', start)
redis.call('PEXPIRE', key, window)
return {count, start}
`)

// RedisStore shares windows across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. Keys are stored under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, now.UnixMilli(), window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected redis script result: %v", res)
	}
	count, _ := vals[0].(int64)
	startMs, _ := vals[1].(int64)
	return int(count), time.UnixMilli(startMs), nil
}
