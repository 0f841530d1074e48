package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/m-lab/livespeed-server/live/session"
)

func TestScheduler_Fires(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []uuid.UUID
	)
	s := &Scheduler{
		Delay: 10 * time.Millisecond,
		Fire: func(_ context.Context, id uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, id)
		},
	}
	id := uuid.New()
	start := time.Now()
	s.Schedule(context.Background(), id)
	s.Wait()
	if time.Since(start) < 10*time.Millisecond {
		t.Error("the timer fired before its delay")
	}
	if len(fired) != 1 || fired[0] != id {
		t.Errorf("fired = %v, want [%v]", fired, id)
	}
}

func TestScheduler_CanceledContextDoesNotFire(t *testing.T) {
	s := &Scheduler{
		Delay: time.Hour,
		Fire: func(context.Context, uuid.UUID) {
			t.Error("Fire was called after cancellation")
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Schedule(ctx, uuid.New())
	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after cancellation")
	}
}

func TestScheduler_Many(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	s := &Scheduler{
		Delay: time.Millisecond,
		Fire: func(context.Context, uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			count++
		},
	}
	for i := 0; i < 50; i++ {
		s.Schedule(context.Background(), uuid.New())
	}
	s.Wait()
	if count != 50 {
		t.Errorf("fired %d timers, want 50", count)
	}
}

func TestScheduler_EndsSessions(t *testing.T) {
	reg := session.New(session.Config{})
	s := &Scheduler{
		Delay: time.Millisecond,
		Fire: func(ctx context.Context, id uuid.UUID) {
			if _, ok := reg.Finalize(id); ok {
				reg.Finish(ctx, id)
			}
		},
	}
	live, _, rx := reg.Insert("live")
	defer rx.Close()
	gone, _, goneRx := reg.Insert("gone")
	reg.BeginTest(live)
	reg.BeginTest(gone)
	goneRx.Close()
	reg.Remove(gone)

	s.Schedule(context.Background(), live)
	s.Schedule(context.Background(), gone)
	s.Schedule(context.Background(), uuid.New())
	s.Wait()

	if st, _ := reg.State(live); st != session.Ended {
		t.Errorf("State() = %v, want ended", st)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := rx.Next(ctx); ok {
		t.Error("the stream did not end when the timer fired")
	}
	if ctx.Err() != nil {
		t.Error("the sentinel was never sent")
	}
}
