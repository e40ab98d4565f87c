package metricstore

import (
	"math"
	"sort"
	"time"
)

// MetricSnapshot is an immutable point-in-time aggregate of the rolling window.
// Latency fields are zero when RequestCount is zero.
type MetricSnapshot struct {
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
	RequestCount    int       `json:"requestCount"`
	ErrorCount      int       `json:"errorCount"`
	P50LatencyMs    float64   `json:"p50LatencyMs"`
	P95LatencyMs    float64   `json:"p95LatencyMs"`
	P99LatencyMs    float64   `json:"p99LatencyMs"`
	AvgLatencyMs    float64   `json:"avgLatencyMs"`
	OpenConnections int64     `json:"openConnections"`
	HeapUsedBytes   uint64    `json:"heapUsedBytes"`
	HeapLimitBytes  uint64    `json:"heapLimitBytes"`
	CPUUsagePercent float64   `json:"cpuUsagePercent"`
}

// Empty reports whether the window held no requests
func (s MetricSnapshot) Empty() bool {
	return s.RequestCount == 0
}

// ErrorRate returns errors as a fraction of requests
func (s MetricSnapshot) ErrorRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount)
}

// HeapUsageFraction returns heap used over heap limit
func (s MetricSnapshot) HeapUsageFraction() float64 {
	if s.HeapLimitBytes == 0 {
		return 0
	}
	return float64(s.HeapUsedBytes) / float64(s.HeapLimitBytes)
}

// latencyStats fills the latency fields from unsorted durations.
func latencyStats(durations []float64) (p50, p95, p99, avg float64) {
	n := len(durations)
	if n == 0 {
		return 0, 0, 0, 0
	}

	sort.Float64s(durations)

	var sum float64
	for _, d := range durations {
		sum += d
	}

	return percentile(durations, 0.50),
		percentile(durations, 0.95),
		percentile(durations, 0.99),
		sum / float64(n)
}

// percentile uses the nearest-rank method over sorted values
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
