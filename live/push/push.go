// Package push implements the bounded, ordered, single-consumer queue that
// carries rendered fragments to one held-open client connection.
//
// An empty payload is the end-of-stream sentinel: once the consumer observes
// it, the stream is finished. Regular payloads are never empty.
//
// The queue is a buffered data channel paired with a semaphore of the same
// capacity. Producers acquire a slot before enqueueing and the consumer
// releases it after dequeueing, so an enqueue performed while holding a slot
// never blocks. The data channel is never closed: teardown is signalled on
// separate channels, which lets late producers fail instead of panicking.
package push

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a channel whose consumer or producer
// side has been closed.
var ErrClosed = errors.New("push: channel closed")

type channel struct {
	queue chan []byte
	slots chan struct{}

	// closed is closed by the consumer when it stops reading.
	closed    chan struct{}
	closeOnce sync.Once

	// finished is closed by the producer side to end the stream after the
	// buffered payloads are drained.
	finished   chan struct{}
	finishOnce sync.Once
}

// Sender is the producer handle. It may be shared by any number of
// goroutines.
type Sender struct {
	ch *channel
}

// Receiver is the consumer handle. It MUST be used by a single goroutine.
type Receiver struct {
	ch   *channel
	done bool
}

// New creates a channel that buffers up to capacity payloads. A capacity
// below one is treated as one.
func New(capacity int) (*Sender, *Receiver) {
	if capacity < 1 {
		capacity = 1
	}
	ch := &channel{
		queue:    make(chan []byte, capacity),
		slots:    make(chan struct{}, capacity),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

func mustNotBeEmpty(b []byte) {
	if len(b) == 0 {
		panic("push: cannot send an empty payload")
	}
}

func (s *Sender) acquire(ctx context.Context) error {
	// Check teardown first so that a closed channel with free slots still
	// refuses new payloads.
	select {
	case <-s.ch.closed:
		return ErrClosed
	case <-s.ch.finished:
		return ErrClosed
	default:
	}
	select {
	case s.ch.slots <- struct{}{}:
		return nil
	case <-s.ch.closed:
		return ErrClosed
	case <-s.ch.finished:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues b, waiting while the channel is full. This is the
// backpressure point: a slow reader throttles its producers.
func (s *Sender) Send(ctx context.Context, b []byte) error {
	mustNotBeEmpty(b)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	s.ch.queue <- b // Never blocks: we hold a slot.
	return nil
}

// TrySend enqueues b only if there is room right now. It returns false when
// the payload was dropped.
func (s *Sender) TrySend(b []byte) bool {
	mustNotBeEmpty(b)
	select {
	case <-s.ch.closed:
		return false
	case <-s.ch.finished:
		return false
	default:
	}
	select {
	case s.ch.slots <- struct{}{}:
		s.ch.queue <- b
		return true
	default:
		return false
	}
}

// Reserve waits for capacity and returns a permit that can enqueue exactly
// one payload without blocking or failing.
func (s *Sender) Reserve(ctx context.Context) (*Permit, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &Permit{ch: s.ch}, nil
}

// Finish enqueues the end-of-stream sentinel. Because the queue is FIFO the
// sentinel is the last payload the consumer observes.
func (s *Sender) Finish(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	s.ch.queue <- []byte{}
	return nil
}

// Close ends the stream from the producer side. The consumer first drains
// what is already buffered. Close is idempotent.
func (s *Sender) Close() {
	s.ch.finishOnce.Do(func() { close(s.ch.finished) })
}

// Permit is a slot reserved by Sender.Reserve.
type Permit struct {
	mu sync.Mutex
	ch *channel
}

// Send commits b using the reserved slot. Only the first call of Send or
// Release on a permit has an effect.
func (p *Permit) Send(b []byte) {
	mustNotBeEmpty(b)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return
	}
	p.ch.queue <- b
	p.ch = nil
}

// Release gives the reserved slot back without sending. It is safe to call
// on a nil permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return
	}
	<-p.ch.slots
	p.ch = nil
}

func (r *Receiver) take(b []byte) ([]byte, bool) {
	<-r.ch.slots
	if len(b) == 0 {
		r.done = true
		return nil, false
	}
	return b, true
}

// Next returns the next payload. It returns false once the sentinel has been
// received, the producer side is closed and drained, the receiver has been
// closed, or ctx is done. After returning false it always returns false.
func (r *Receiver) Next(ctx context.Context) ([]byte, bool) {
	if r.done {
		return nil, false
	}
	select {
	case b := <-r.ch.queue:
		return r.take(b)
	case <-r.ch.closed:
		r.done = true
		return nil, false
	case <-ctx.Done():
		r.done = true
		return nil, false
	case <-r.ch.finished:
		// Drain whatever was enqueued before the producer side closed.
		select {
		case b := <-r.ch.queue:
			return r.take(b)
		default:
			r.done = true
			return nil, false
		}
	}
}

// Close stops consuming. Blocked producers fail with ErrClosed and later
// sends are refused. Close is idempotent.
func (r *Receiver) Close() {
	r.done = true
	r.ch.closeOnce.Do(func() { close(r.ch.closed) })
}
