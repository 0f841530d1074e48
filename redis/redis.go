// Package redis stores the state that operators use to observe running
// tests and to stop them: a progress snapshot per test, written by the
// server, and a termination flag per test, written by an external tool.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ttl bounds the lifetime of every key. Tests last seconds, so nothing
// outlives a test by long.
const ttl = time.Hour

// Client wraps the Redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client for the given address, e.g.
// "localhost:6379". The connection is established lazily.
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Client{rdb: rdb}
}

// Ping verifies that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
