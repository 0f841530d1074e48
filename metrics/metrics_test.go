package metrics

import (
	"testing"

	"github.com/m-lab/go/prometheusx/promtest"
)

func TestLintMetrics(t *testing.T) {
	ActiveSessions.Set(0)
	SessionCount.WithLabelValues("x")
	TestRate.WithLabelValues("x")
	TestCount.WithLabelValues("x", "x")
	PushCount.WithLabelValues("x", "x")
	ErrorCount.WithLabelValues("x", "x")
	promtest.LintMetrics(t)
}
