// Package redis holds the shared Redis handle. The settlement core's only
// Redis traffic is the tick lock key, so the wrapper stays thin and the
// connection is validated once at startup.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Client embeds the go-redis client so lock and future cache callers share
// one connection pool.
type Client struct {
	*redis.Client
}

// Open connects and pings; a service that cannot reach the lock store must
// not start, otherwise every tick would run unguarded.
func Open(ctx context.Context, addr, password string, db int) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty redis addr")
	}

	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{Client: c}, nil
}
