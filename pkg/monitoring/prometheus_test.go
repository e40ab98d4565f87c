package monitoring

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorBeforeFirstSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	c := NewCollector(f.monitor)

	assert.Equal(t, 0, testutil.CollectAndCount(c, "perfwatch_window_requests"))
	assert.Equal(t, 16, testutil.CollectAndCount(c, "perfwatch_active_alerts"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "perfwatch_health_status"))
}

func TestCollectorExposesSnapshotAndHealth(t *testing.T) {
	f := newFixture(t, latencyConfig(120, 250))
	for _, d := range []float64{100, 200, 300} {
		f.monitor.RecordRequest(get("/a"), ResponseMeta{StatusCode: 200}, d)
	}
	f.monitor.Refresh()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(f.monitor)))

	expected := `
# HELP perfwatch_health_status Health status (0=critical, 1=degraded, 2=healthy)
# TYPE perfwatch_health_status gauge
perfwatch_health_status 0
# HELP perfwatch_window_requests Requests in the rolling window of the latest snapshot
# TYPE perfwatch_window_requests gauge
perfwatch_window_requests 3
# HELP perfwatch_window_latency_ms Request latency of the latest snapshot
# TYPE perfwatch_window_latency_ms gauge
perfwatch_window_latency_ms{stat="avg"} 200
perfwatch_window_latency_ms{stat="p50"} 200
perfwatch_window_latency_ms{stat="p95"} 300
perfwatch_window_latency_ms{stat="p99"} 300
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"perfwatch_health_status", "perfwatch_window_requests", "perfwatch_window_latency_ms")
	assert.NoError(t, err)
}
