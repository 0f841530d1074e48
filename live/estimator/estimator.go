// Package estimator computes throughput and latency samples and combines
// them into weighted running averages. All functions are pure.
package estimator

import (
	"errors"
	"time"
)

// ErrZeroElapsed is returned when a throughput sample has no duration.
var ErrZeroElapsed = errors.New("estimator: elapsed time must be positive")

// Throughput returns the throughput in bits per second of transferring
// numBytes in elapsed.
func Throughput(elapsed time.Duration, numBytes int64) (float64, error) {
	if elapsed <= 0 {
		return 0, ErrZeroElapsed
	}
	return float64(numBytes) * 8 / elapsed.Seconds(), nil
}

// Weight returns the weight of a bandwidth sample of numBytes that arrived
// sinceStart after the beginning of the test. Larger and later samples weigh
// more, which damps the noise of the first small chunks. unit is the number
// of bytes worth one unit of weight at one second into the test.
func Weight(sinceStart time.Duration, numBytes int64, unit float64) float64 {
	if unit <= 0 || numBytes <= 0 || sinceStart <= 0 {
		return 0
	}
	return float64(numBytes) / unit * sinceStart.Seconds()
}

// Update folds the sample x with weight w into the running weighted mean avg
// whose accumulated weight is total, and returns the new mean and total.
// A sample with non-positive weight leaves the inputs unchanged.
func Update(avg, total, x, w float64) (float64, float64) {
	if !(w > 0) {
		return avg, total
	}
	newTotal := total + w
	// Incremental form of (avg*total + x*w) / newTotal. It avoids the growing
	// products of the direct form over long series.
	return avg + (x-avg)*(w/newTotal), newTotal
}

// Average is a weighted running mean.
type Average struct {
	Value  float64
	Weight float64
}

// Add returns the average updated with x at weight w.
func (a Average) Add(x, w float64) Average {
	v, total := Update(a.Value, a.Weight, x, w)
	return Average{Value: v, Weight: total}
}

// LatencySample converts a measured round trip into a one-way latency in
// seconds. Each latency sample has weight 1.
func LatencySample(roundTrip time.Duration) float64 {
	return roundTrip.Seconds() / 2
}
