package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/m-lab/livespeed-server/live/estimator"
	"github.com/m-lab/livespeed-server/live/push"
	"github.com/m-lab/livespeed-server/live/spec"
)

// Config configures a Registry. Zero fields take the defaults in live/spec.
type Config struct {
	// Shards is the number of lock stripes.
	Shards int
	// Capacity is the push channel capacity of each session.
	Capacity int
	// WeightUnit is the number of bytes worth one unit of sample weight.
	WeightUnit float64
}

type shard struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// Registry is the table of live sessions. All methods are safe for
// concurrent use. Sessions in different shards never contend.
type Registry struct {
	shards     []shard
	capacity   int
	weightUnit float64

	// now is replaced in tests.
	now func() time.Time
}

// New creates an empty registry.
func New(c Config) *Registry {
	if c.Shards <= 0 {
		c.Shards = spec.RegistryShards
	}
	if c.Capacity <= 0 {
		c.Capacity = spec.PushCapacity
	}
	if !(c.WeightUnit > 0) {
		c.WeightUnit = spec.WeightUnit
	}
	r := &Registry{
		shards:     make([]shard, c.Shards),
		capacity:   c.Capacity,
		weightUnit: c.WeightUnit,
		now:        time.Now,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[uuid.UUID]*session)
	}
	return r
}

func (r *Registry) shard(id uuid.UUID) *shard {
	return &r.shards[xxhash.Sum64(id[:])%uint64(len(r.shards))]
}

// with runs f on the session id while holding its shard lock. It returns
// false when there is no such session.
func (r *Registry) with(id uuid.UUID, f func(s *session)) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return false
	}
	f(s)
	return true
}

// Insert registers a new session in the Start state and returns its id and
// both ends of its push channel. The receiver belongs to the caller holding
// the client connection open.
func (r *Registry) Insert(addr string) (uuid.UUID, *push.Sender, *push.Receiver) {
	sender, receiver := push.New(r.capacity)
	for {
		id := uuid.New()
		sh := r.shard(id)
		sh.mu.Lock()
		if _, found := sh.sessions[id]; found {
			sh.mu.Unlock()
			continue
		}
		sh.sessions[id] = &session{addr: addr, state: Start, sender: sender}
		sh.mu.Unlock()
		return id, sender, receiver
	}
}

// BeginTest moves the session from Start to Downloading and returns its
// sender with the start time. It returns false in any other state, so a
// replayed start request does nothing.
func (r *Registry) BeginTest(id uuid.UUID) (*push.Sender, time.Time, bool) {
	var (
		sender *push.Sender
		start  time.Time
		begun  bool
	)
	r.with(id, func(s *session) {
		if s.state != Start {
			return
		}
		s.begin(r.now())
		sender, start, begun = s.sender, s.start, true
	})
	return sender, start, begun
}

// Sender returns the push channel of a downloading session.
func (r *Registry) Sender(id uuid.UUID) (*push.Sender, bool) {
	var sender *push.Sender
	r.with(id, func(s *session) {
		if s.state == Downloading {
			sender = s.sender
		}
	})
	return sender, sender != nil
}

// ReportRoundTrip records a latency sample. ts is the offset from the test
// start, in seconds, that the server stamped into the fragment that made the
// client issue this request. It returns whether the sample was accepted.
func (r *Registry) ReportRoundTrip(id uuid.UUID, seq int64, ts float64) bool {
	accepted := false
	r.with(id, func(s *session) {
		if s.state != Downloading {
			return
		}
		rtt := r.now().Sub(s.start).Seconds() - ts
		if math.IsNaN(rtt) || math.IsInf(rtt, 0) || rtt < 0 {
			return
		}
		if !s.accept(seq) {
			return
		}
		s.addLatency(estimator.LatencySample(time.Duration(rtt * float64(time.Second))))
		accepted = true
	})
	return accepted
}

// ReportChunk folds the transfer of numBytes in elapsed into the bandwidth
// average and returns the updated snapshot. It returns false when the
// session is not downloading, the sample is stale or elapsed is not
// positive.
func (r *Registry) ReportChunk(id uuid.UUID, seq int64, elapsed time.Duration, numBytes int64) (Progress, bool) {
	var (
		p  Progress
		ok bool
	)
	r.with(id, func(s *session) {
		if s.state != Downloading || seq < s.counter {
			return
		}
		bps, err := estimator.Throughput(elapsed, numBytes)
		if err != nil {
			return
		}
		s.accept(seq)
		now := r.now()
		w := estimator.Weight(now.Sub(s.start), numBytes, r.weightUnit)
		s.bandwidth = s.bandwidth.Add(bps, w)
		p, ok = s.progress(now), true
	})
	return p, ok
}

// Finalize moves the session from Downloading to Ended and returns the
// frozen results. Only the first call succeeds.
func (r *Registry) Finalize(id uuid.UUID) (Final, bool) {
	var (
		f  Final
		ok bool
	)
	r.with(id, func(s *session) {
		if s.state != Downloading {
			return
		}
		s.state = Ended
		f, ok = s.final(r.now()), true
	})
	return f, ok
}

// Finish enqueues the end-of-stream sentinel of an ended session. It may
// wait for room in the channel, but never while holding the shard lock.
func (r *Registry) Finish(ctx context.Context, id uuid.UUID) bool {
	var sender *push.Sender
	r.with(id, func(s *session) {
		if s.state == Ended {
			sender = s.sender
		}
	})
	if sender == nil {
		return false
	}
	return sender.Finish(ctx) == nil
}

// Remove deletes the session and returns the state it was in. It is the
// only way a session goes away and is safe to call more than once.
func (r *Registry) Remove(id uuid.UUID) (State, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return 0, false
	}
	delete(sh.sessions, id)
	return s.state, true
}

// State returns the current state of a session.
func (r *Registry) State(id uuid.UUID) (State, bool) {
	var st State
	found := r.with(id, func(s *session) { st = s.state })
	return st, found
}

// Addr returns the client address a session was created for.
func (r *Registry) Addr(id uuid.UUID) (string, bool) {
	var addr string
	found := r.with(id, func(s *session) { addr = s.addr })
	return addr, found
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Shutdown closes the producer side of every session. Held-open streams
// drain what is buffered and end, which removes their sessions.
func (r *Registry) Shutdown() {
	var senders []*push.Sender
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			senders = append(senders, s.sender)
		}
		sh.mu.Unlock()
	}
	for _, s := range senders {
		s.Close()
	}
}
