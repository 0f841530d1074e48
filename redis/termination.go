package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const terminationPrefix = "livespeed:terminate:"

// SetTerminationFlag sets the flag of a test. 1 asks the server to stop the
// test, 0 lets it run.
func (c *Client) SetTerminationFlag(ctx context.Context, uuid string, flag int) error {
	return c.rdb.Set(ctx, terminationPrefix+uuid, flag, ttl).Err()
}

// GetTerminationFlag returns the flag of a test, or 0 if none was set.
func (c *Client) GetTerminationFlag(ctx context.Context, uuid string) (int, error) {
	val, err := c.rdb.Get(ctx, terminationPrefix+uuid).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
