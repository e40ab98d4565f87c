package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "perfwatch"

// Collector implements prometheus.Collector over the monitor's cached
// snapshot and active alerts. Scrapes never trigger a refresh.
type Collector struct {
	monitor *Monitor

	requestsDesc    *prometheus.Desc
	errorsDesc      *prometheus.Desc
	latencyDesc     *prometheus.Desc
	connectionsDesc *prometheus.Desc
	heapUsedDesc    *prometheus.Desc
	heapLimitDesc   *prometheus.Desc
	cpuDesc         *prometheus.Desc
	alertsDesc      *prometheus.Desc
	healthDesc      *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a collector for m
func NewCollector(m *Monitor) *Collector {
	return &Collector{
		monitor: m,
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "window", "requests"),
			"Requests in the rolling window of the latest snapshot",
			nil, nil,
		),
		errorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "window", "errors"),
			"Server errors in the rolling window of the latest snapshot",
			nil, nil,
		),
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "window", "latency_ms"),
			"Request latency of the latest snapshot",
			[]string{"stat"}, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_connections"),
			"Open live connections",
			nil, nil,
		),
		heapUsedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "used_bytes"),
			"Heap in use at the latest snapshot",
			nil, nil,
		),
		heapLimitDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "limit_bytes"),
			"Heap limit at the latest snapshot",
			nil, nil,
		),
		cpuDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cpu_usage_percent"),
			"Process CPU usage at the latest snapshot",
			nil, nil,
		),
		alertsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_alerts"),
			"Active alerts",
			[]string{"kind", "severity", "source"}, nil,
		),
		healthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "health_status"),
			"Health status (0=critical, 1=degraded, 2=healthy)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Time since the monitor was created",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.errorsDesc
	ch <- c.latencyDesc
	ch <- c.connectionsDesc
	ch <- c.heapUsedDesc
	ch <- c.heapLimitDesc
	ch <- c.cpuDesc
	ch <- c.alertsDesc
	ch <- c.healthDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	summary := c.monitor.GetPerformanceSummary()

	ch <- prometheus.MustNewConstMetric(c.healthDesc, prometheus.GaugeValue, healthValue(summary.Health))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(summary.UptimeMs)/1000)
	ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(c.monitor.Store().OpenConnections()))

	type series struct {
		kind   AlertKind
		source AlertSource
	}
	counts := make(map[series]map[Severity]int)
	for _, a := range summary.Alerts {
		key := series{kind: a.Kind, source: a.Source}
		if counts[key] == nil {
			counts[key] = make(map[Severity]int)
		}
		counts[key][a.Severity]++
	}
	for _, kind := range AllKinds {
		for _, source := range []AlertSource{SourceThreshold, SourceTrend} {
			for _, sev := range []Severity{SeverityWarning, SeverityCritical} {
				ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.GaugeValue,
					float64(counts[series{kind: kind, source: source}][sev]),
					string(kind), string(sev), string(source))
			}
		}
	}

	snap, ok := c.monitor.LatestSnapshot()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.GaugeValue, float64(snap.RequestCount))
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.GaugeValue, float64(snap.ErrorCount))
	ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue, snap.P50LatencyMs, "p50")
	ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue, snap.P95LatencyMs, "p95")
	ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue, snap.P99LatencyMs, "p99")
	ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue, snap.AvgLatencyMs, "avg")
	ch <- prometheus.MustNewConstMetric(c.heapUsedDesc, prometheus.GaugeValue, float64(snap.HeapUsedBytes))
	ch <- prometheus.MustNewConstMetric(c.heapLimitDesc, prometheus.GaugeValue, float64(snap.HeapLimitBytes))
	ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, snap.CPUUsagePercent)
}

func healthValue(h Health) float64 {
	switch h {
	case HealthCritical:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
