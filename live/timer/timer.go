// Package timer ends download tests after a fixed duration, independently
// of the request that started them.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler runs Fire for a session once Delay has elapsed.
//
// Fire must tolerate sessions that no longer exist or have already ended:
// the client may disconnect or stop the test before the timer fires.
type Scheduler struct {
	Delay time.Duration
	Fire  func(ctx context.Context, id uuid.UUID)

	wg sync.WaitGroup
}

// Schedule starts the timer of one session. If ctx is done before Delay
// elapses the timer returns without firing; ctx should therefore be the
// server lifetime context rather than the request context.
func (s *Scheduler) Schedule(ctx context.Context, id uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.Fire(ctx, id)
	}()
}

// Wait blocks until every scheduled timer has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
