// Package metrics contains the prometheus metrics of livespeed-server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livespeed_active_sessions",
			Help: "A gauge of held-open result streams currently served.",
		},
	)
	SessionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livespeed_sessions_total",
			Help: "Number of sessions by the state they were in when their stream closed.",
		},
		[]string{"outcome"},
	)
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "livespeed_test_rate_mbps",
			Help: "A histogram of measured rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction"},
	)
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livespeed_test_total",
			Help: "Number of tests run by this server.",
		},
		[]string{"direction", "reason"},
	)
	PushCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livespeed_push_total",
			Help: "Number of fragments offered to push channels, by fragment and result.",
		},
		[]string{"fragment", "result"},
	)
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livespeed_request_errors_total",
			Help: "Number of rejected or failed requests by endpoint and error.",
		},
		[]string{"endpoint", "error"},
	)
)
