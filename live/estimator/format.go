package estimator

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

var rateSuffix = []string{
	"bps", "Kbps", "Mbps", "Gbps", "Tbps", "Pbps", "Ebps", "Zbps", "Ybps",
}

var sizeSuffix = []string{
	"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB",
}

// scale divides v by 1000 while it is at least 1000 and a larger magnitude
// exists, and returns the scaled value together with the magnitude index.
// Negative, NaN and infinite values scale to zero.
func scale[T constraints.Integer | constraints.Float](v T, magnitudes int) (float64, int) {
	f := float64(v)
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, 0
	}
	i := 0
	for f >= 1000 && i < magnitudes-1 {
		f /= 1000
		i++
	}
	return f, i
}

// withPrecision prints 2 decimals under 10, 1 decimal under 100 and the
// truncated integer otherwise, so every magnitude shows about three digits.
func withPrecision(v float64, suffix string) string {
	switch {
	case v < 10:
		return fmt.Sprintf("%.2f%s", v, suffix)
	case v < 100:
		return fmt.Sprintf("%.1f%s", v, suffix)
	default:
		return fmt.Sprintf("%d%s", uint64(v), suffix)
	}
}

// FormatRate renders a rate in bits per second, e.g. "10.0Mbps".
func FormatRate(bps float64) string {
	v, i := scale(bps, len(rateSuffix))
	return withPrecision(v, rateSuffix[i])
}

// FormatBytes renders a size with decimal magnitudes, e.g. "100MB".
func FormatBytes[T constraints.Integer](n T) string {
	v, i := scale(n, len(sizeSuffix))
	return withPrecision(v, sizeSuffix[i])
}

// FormatSeconds renders a duration given in seconds as milliseconds when it
// is below one second and as seconds otherwise, e.g. "12.5ms" or "1.50s".
func FormatSeconds(s float64) string {
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		s = 0
	}
	if ms := s * 1000; ms < 1000 {
		return withPrecision(ms, "ms")
	}
	return withPrecision(s, "s")
}
