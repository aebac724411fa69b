package health

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/opscenter/internal/cache"
)

const (
	probeKey     = "_health_check"
	probeTimeout = 5 * time.Second
	maxDetailLen = 100
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

func errorDetail(err error) string {
	msg := err.Error()
	if len(msg) > maxDetailLen {
		msg = msg[:maxDetailLen]
	}
	return "error: " + msg
}

// Database checks that db answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: errorDetail(err)}
		}
		return Status{Healthy: true, Detail: "connected"}
	}
}

// Cache checks a set/get round trip through c.
func Cache(c cache.Cache) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := c.Set(ctx, probeKey, []byte("ok"), 10*time.Second); err != nil {
			return Status{Detail: errorDetail(err)}
		}
		v, ok, err := c.Get(ctx, probeKey)
		if err != nil {
			return Status{Detail: errorDetail(err)}
		}
		if !ok || !bytes.Equal(v, []byte("ok")) {
			return Status{Detail: "error: cache set/get mismatch"}
		}
		return Status{Healthy: true, Detail: "connected"}
	}
}

// JWKS checks that the identity provider's key set is reachable. An empty
// url reports not_configured.
func JWKS(client *http.Client, url string) Checker {
	return func(ctx context.Context) Status {
		if url == "" {
			return Status{Healthy: true, Detail: "not_configured"}
		}
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Status{Detail: errorDetail(err)}
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return Status{Detail: errorDetail(err)}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return Status{Detail: fmt.Sprintf("error: status %d", resp.StatusCode)}
		}
		return Status{Healthy: true, Detail: "reachable"}
	}
}

// PingFunc adapts a plain ping function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}
