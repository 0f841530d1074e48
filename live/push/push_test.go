package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func next(t *testing.T, r *Receiver) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, ok := r.Next(ctx)
	if !ok {
		t.Fatal("Next() ended the stream unexpectedly")
	}
	return string(b)
}

func TestChannel_Backpressure(t *testing.T) {
	ctx := context.Background()
	s, r := New(1)
	defer r.Close()

	if err := s.Send(ctx, []byte("first")); err != nil {
		t.Fatalf("first Send() = %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, []byte("second"))
	}()
	select {
	case err := <-done:
		t.Fatalf("second Send() returned %v while the channel was full", err)
	case <-time.After(50 * time.Millisecond):
		// Still suspended, as expected.
	}
	if got := next(t, r); got != "first" {
		t.Fatalf("Next() = %q, want first", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Send() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Send() did not resume after a read")
	}
	if got := next(t, r); got != "second" {
		t.Fatalf("Next() = %q, want second", got)
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish() = %v", err)
	}
	if _, ok := r.Next(ctx); ok {
		t.Fatal("Next() did not end on the sentinel")
	}
	if _, ok := r.Next(ctx); ok {
		t.Fatal("Next() returned a payload after the sentinel")
	}
}

func TestChannel_SentinelIsLast(t *testing.T) {
	ctx := context.Background()
	s, r := New(8)
	defer r.Close()
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if got := next(t, r); got != fmt.Sprint(i) {
			t.Errorf("Next() = %q, want %d", got, i)
		}
	}
	if _, ok := r.Next(ctx); ok {
		t.Error("sentinel was not observed after the buffered payloads")
	}
}

func TestSender_TrySend(t *testing.T) {
	s, r := New(2)
	if !s.TrySend([]byte("a")) || !s.TrySend([]byte("b")) {
		t.Fatal("TrySend() dropped a payload with free capacity")
	}
	if s.TrySend([]byte("c")) {
		t.Fatal("TrySend() did not drop on a full channel")
	}
	if got := next(t, r); got != "a" {
		t.Errorf("Next() = %q, want a", got)
	}
	if !s.TrySend([]byte("d")) {
		t.Error("TrySend() dropped after capacity was freed")
	}
	r.Close()
	if s.TrySend([]byte("e")) {
		t.Error("TrySend() succeeded on a closed channel")
	}
}

func TestSender_Reserve(t *testing.T) {
	ctx := context.Background()
	s, r := New(1)
	defer r.Close()

	p, err := s.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	// The reserved slot is not available to anybody else.
	if s.TrySend([]byte("x")) {
		t.Fatal("TrySend() used a reserved slot")
	}
	p.Send([]byte("reserved"))
	p.Send([]byte("ignored"))
	p.Release()
	if got := next(t, r); got != "reserved" {
		t.Fatalf("Next() = %q, want reserved", got)
	}

	// A released permit gives its slot back.
	p, err = s.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	p.Release()
	if !s.TrySend([]byte("after-release")) {
		t.Fatal("slot was not returned by Release()")
	}
	var nilPermit *Permit
	nilPermit.Release()
}

func TestSender_ReserveSurvivesClose(t *testing.T) {
	ctx := context.Background()
	s, r := New(1)
	p, err := s.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	r.Close()
	// Committing after the consumer went away must neither block nor panic.
	p.Send([]byte("late"))
	if _, err := s.Reserve(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Reserve() after Close = %v, want ErrClosed", err)
	}
}

func TestReceiver_CloseUnblocksSenders(t *testing.T) {
	ctx := context.Background()
	s, r := New(1)
	if err := s.Send(ctx, []byte("fill")); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, []byte("blocked"))
	}()
	r.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Send() = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send() stayed blocked after Close()")
	}
	if err := s.Finish(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Finish() = %v, want ErrClosed", err)
	}
	if _, ok := r.Next(ctx); ok {
		t.Error("Next() returned a payload after Close()")
	}
	r.Close()
}

func TestSender_SendHonorsContext(t *testing.T) {
	s, r := New(1)
	defer r.Close()
	if !s.TrySend([]byte("fill")) {
		t.Fatal("TrySend() failed on an empty channel")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, []byte("late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want DeadlineExceeded", err)
	}
}

func TestSender_CloseDrainsBuffered(t *testing.T) {
	ctx := context.Background()
	s, r := New(4)
	defer r.Close()
	if err := s.Send(ctx, []byte("pending")); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
	if err := s.Send(ctx, []byte("refused")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close = %v, want ErrClosed", err)
	}
	if got := next(t, r); got != "pending" {
		t.Errorf("Next() = %q, want pending", got)
	}
	if _, ok := r.Next(ctx); ok {
		t.Error("Next() did not end after the producer side closed")
	}
}

func TestReceiver_NextHonorsContext(t *testing.T) {
	_, r := New(1)
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := r.Next(ctx); ok {
		t.Error("Next() returned a payload on a canceled context")
	}
}

func TestSender_EmptyPayloadPanics(t *testing.T) {
	s, r := New(1)
	defer r.Close()
	defer func() {
		if recover() == nil {
			t.Error("Send() accepted an empty payload")
		}
	}()
	s.Send(context.Background(), nil)
}

func TestChannel_ManyProducers(t *testing.T) {
	ctx := context.Background()
	const producers, each = 8, 50
	s, r := New(4)
	defer r.Close()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := s.Send(ctx, []byte(fmt.Sprintf("%d/%d", p, i))); err != nil {
					t.Errorf("Send() = %v", err)
					return
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		s.Finish(ctx)
	}()
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	count := 0
	for {
		b, ok := r.Next(ctx)
		if !ok {
			break
		}
		var p, i int
		if _, err := fmt.Sscanf(string(b), "%d/%d", &p, &i); err != nil {
			t.Fatalf("bad payload %q", b)
		}
		if i <= last[p] {
			t.Fatalf("producer %d: payload %d after %d", p, i, last[p])
		}
		last[p] = i
		count++
	}
	if count != producers*each {
		t.Errorf("received %d payloads, want %d", count, producers*each)
	}
}
