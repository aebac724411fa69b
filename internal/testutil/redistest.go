package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisImage = "redis:7-alpine"

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client for an empty Redis database. REDIS_URL selects
// an existing server; otherwise a shared container is started. The test is
// skipped when neither is available.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: startRedis(t)}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: connect: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: flush: %v", err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func startRedis(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        redisImage,
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			return
		}
		host, err := ctr.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := ctr.MappedPort(ctx, "6379")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	})
	if redisErr != nil {
		t.Fatalf("redistest: start redis container: %v", redisErr)
	}
	return redisAddr
}
