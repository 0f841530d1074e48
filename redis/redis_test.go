package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func clientSetup(t *testing.T) *Client {
	client := NewClient("localhost:6379")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping tests. Start Redis with: docker run -d -p 6379:6379 redis:latest")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func Test_SetAndGetTerminationFlag(t *testing.T) {
	redisClient := clientSetup(t)
	ctx := context.Background()
	id := uuid.NewString()
	defer redisClient.Forget(ctx, id)

	f, err := redisClient.GetTerminationFlag(ctx, id)
	if err != nil || f != 0 {
		t.Fatalf("GetTerminationFlag() of a missing key = %d, %v, want 0, nil", f, err)
	}
	for _, flag := range []int{0, 1} {
		if err := redisClient.SetTerminationFlag(ctx, id, flag); err != nil {
			t.Fatalf("Failed to set termination flag: %v", err)
		}
		f, err := redisClient.GetTerminationFlag(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get termination flag: %v", err)
		}
		if f != flag {
			t.Fatalf("Termination flag set incorrectly: %v instead of %v", f, flag)
		}
	}
}

func Test_SetAndGetProgress(t *testing.T) {
	redisClient := clientSetup(t)
	ctx := context.Background()
	id := uuid.NewString()

	if _, err := redisClient.GetProgress(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProgress() of a missing key error = %v, want ErrNotFound", err)
	}
	want := &Progress{UUID: id, Addr: "192.0.2.1", Counter: 3, Bandwidth: 1e7, Latency: 0.02, Elapsed: 4.5}
	if err := redisClient.SetProgress(ctx, id, want); err != nil {
		t.Fatalf("SetProgress() error = %v", err)
	}
	got, err := redisClient.GetProgress(ctx, id)
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}
	if *got != *want {
		t.Errorf("GetProgress() = %+v, want %+v", got, want)
	}
	if err := redisClient.Forget(ctx, id); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if _, err := redisClient.GetProgress(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProgress() after Forget error = %v, want ErrNotFound", err)
	}
}
