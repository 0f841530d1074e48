package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const progressPrefix = "livespeed:progress:"

// ErrNotFound is returned when no progress was published for a test.
var ErrNotFound = errors.New("redis: no progress for test")

// Progress is the latest snapshot of a running download test.
type Progress struct {
	UUID string `json:"uuid"`
	Addr string `json:"addr,omitempty"`
	// Counter is the sequence number of the last accepted chunk.
	Counter   int64   `json:"counter"`
	Bandwidth float64 `json:"bandwidth_bps"`
	Latency   float64 `json:"latency_s"`
	Elapsed   float64 `json:"elapsed_s"`
}

// SetProgress publishes the progress of a test, replacing the previous one.
func (c *Client) SetProgress(ctx context.Context, uuid string, p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, progressPrefix+uuid, data, ttl).Err()
}

// GetProgress returns the last progress published for a test.
func (c *Client) GetProgress(ctx context.Context, uuid string) (*Progress, error) {
	data, err := c.rdb.Get(ctx, progressPrefix+uuid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Forget deletes everything stored for a test.
func (c *Client) Forget(ctx context.Context, uuid string) error {
	return c.rdb.Del(ctx, progressPrefix+uuid, terminationPrefix+uuid).Err()
}
