package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "taskrelay_submissions_total", Help: "Submissions by terminal outcome"},
		[]string{"outcome"},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "taskrelay_dispatch_total", Help: "Webhook dispatch attempts by result"},
		[]string{"status"},
	)
	DispatchLatencyMS = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "taskrelay_dispatch_latency_ms", Help: "Webhook dispatch latency in ms", Buckets: prometheus.ExponentialBuckets(25, 2, 10)},
	)
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "taskrelay_rate_limited_total", Help: "Requests rejected by the rate limiter"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SubmissionsTotal, DispatchTotal, DispatchLatencyMS, RateLimitedTotal)
	})
}
