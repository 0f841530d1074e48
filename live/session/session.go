// Package session implements the per-connection measurement state machine
// and the registry through which every request reaches it.
package session

import (
	"time"

	"github.com/influxdata/tdigest"

	"github.com/m-lab/livespeed-server/live/estimator"
	"github.com/m-lab/livespeed-server/live/push"
)

// State is the state of a session. Transitions only go forward:
// Start -> Downloading -> Ended.
type State int

const (
	// Start is the state of a newly connected client.
	Start State = iota
	// Downloading is the state while the download test runs.
	Downloading
	// Ended is the state once results are frozen.
	Ended
)

func (s State) String() string {
	switch s {
	case Start:
		return "start"
	case Downloading:
		return "downloading"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Progress is the snapshot returned after an accepted download chunk.
type Progress struct {
	// Sender is the push channel of the session.
	Sender *push.Sender
	// Start is when the test began.
	Start time.Time
	// Elapsed is the time since Start.
	Elapsed time.Duration
	// Counter is the sequence number of the accepted chunk.
	Counter int64
	// Bandwidth is the weighted average download rate in bits per second.
	Bandwidth float64
	// Latency is the mean one-way latency in seconds.
	Latency float64
	// Download and LatencyText are Bandwidth and Latency formatted for humans.
	Download    string
	LatencyText string
}

// Final is the frozen snapshot returned when a test ends.
type Final struct {
	// Sender is the push channel of the session.
	Sender        *push.Sender
	Bandwidth     float64
	Latency       float64
	LatencyMedian float64
	LatencyP90    float64
	// Samples is the number of accepted latency samples.
	Samples     int
	Download    string
	LatencyText string
	Duration    time.Duration
}

// session is only ever touched while holding the lock of its shard.
type session struct {
	addr   string
	state  State
	sender *push.Sender

	start     time.Time
	counter   int64
	bandwidth estimator.Average
	latency   estimator.Average
	digest    *tdigest.TDigest
	samples   int
}

func (s *session) begin(now time.Time) {
	s.state = Downloading
	s.start = now
	s.counter = 0
	s.bandwidth = estimator.Average{}
	s.latency = estimator.Average{}
	s.digest = tdigest.NewWithCompression(50)
	s.samples = 0
}

// accept applies the sequence guard: a sample older than the newest accepted
// one is discarded, anything else raises the recorded sequence.
func (s *session) accept(seq int64) bool {
	if seq < s.counter {
		return false
	}
	s.counter = seq
	return true
}

func (s *session) addLatency(oneWay float64) {
	s.latency = s.latency.Add(oneWay, 1)
	s.digest.Add(oneWay, 1)
	s.samples++
}

func (s *session) progress(now time.Time) Progress {
	return Progress{
		Sender:      s.sender,
		Start:       s.start,
		Elapsed:     now.Sub(s.start),
		Counter:     s.counter,
		Bandwidth:   s.bandwidth.Value,
		Latency:     s.latency.Value,
		Download:    estimator.FormatRate(s.bandwidth.Value),
		LatencyText: estimator.FormatSeconds(s.latency.Value),
	}
}

func (s *session) final(now time.Time) Final {
	f := Final{
		Sender:      s.sender,
		Bandwidth:   s.bandwidth.Value,
		Latency:     s.latency.Value,
		Samples:     s.samples,
		Download:    estimator.FormatRate(s.bandwidth.Value),
		LatencyText: estimator.FormatSeconds(s.latency.Value),
		Duration:    now.Sub(s.start),
	}
	if s.samples > 0 {
		f.LatencyMedian = s.digest.Quantile(0.5)
		f.LatencyP90 = s.digest.Quantile(0.9)
	}
	return f
}
