// Package dashboard composes monitor and optimizer state into read-only
// views and bounded-window reports.
package dashboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/optimizer"
)

var (
	// ErrInsufficientData means no snapshot falls inside the requested window
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidWindow means the requested window is not a positive number of hours
	ErrInvalidWindow = errors.New("report window must be a positive number of hours")
)

// InsufficientDataError is returned by GenerateReport when the window holds
// no snapshots. Callers should retry later or treat it as "no data".
type InsufficientDataError struct {
	WindowHours int
	Since       time.Time
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: no snapshots since %s (last %dh)", ErrInsufficientData, e.Since.Format(time.RFC3339), e.WindowHours)
}

// Is matches ErrInsufficientData
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// MonitorView is the part of the monitor the dashboard reads
type MonitorView interface {
	GetPerformanceSummary() monitoring.Summary
	GetCurrentMetrics() metricstore.MetricSnapshot
	History(since time.Time) []metricstore.MetricSnapshot
	Alerts(since time.Time) []monitoring.Alert
}

// OptimizerView is the part of the optimizer the dashboard reads
type OptimizerView interface {
	GetStatus() optimizer.Status
	ActiveAlertCount() int
}

// Option configures a Dashboard
type Option func(*Dashboard)

// WithClock overrides the wall clock
func WithClock(clock func() time.Time) Option {
	return func(d *Dashboard) { d.clock = clock }
}

// Dashboard owns no state of its own
type Dashboard struct {
	monitor   MonitorView
	optimizer OptimizerView
	logger    *zap.Logger
	clock     func() time.Time
}

// New creates a dashboard over m and o
func New(m MonitorView, o OptimizerView, logger *zap.Logger, opts ...Option) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dashboard{
		monitor:   m,
		optimizer: o,
		logger:    logger.Named("dashboard"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Data is the composite dashboard view
type Data struct {
	GeneratedAt time.Time                  `json:"generatedAt"`
	Summary     monitoring.Summary         `json:"summary"`
	Metrics     metricstore.MetricSnapshot `json:"metrics"`
	Optimizer   optimizer.Status           `json:"optimizer"`
}

// GetDashboardData composes the monitor summary, the current snapshot and
// the optimizer status
func (d *Dashboard) GetDashboardData() Data {
	return Data{
		GeneratedAt: d.clock(),
		Summary:     d.monitor.GetPerformanceSummary(),
		Metrics:     d.monitor.GetCurrentMetrics(),
		Optimizer:   d.optimizer.GetStatus(),
	}
}

// HealthStatus is the health projection
type HealthStatus struct {
	Status          monitoring.Health      `json:"status"`
	ActiveAlerts    int                    `json:"activeAlerts"`
	OptimizerAlerts int                    `json:"optimizerAlerts"`
	UptimeMs        int64                  `json:"uptime"`
	Breaches        []monitoring.AlertKind `json:"breaches,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// GetHealthStatus projects the monitor health plus the optimizer's alert count
func (d *Dashboard) GetHealthStatus() HealthStatus {
	summary := d.monitor.GetPerformanceSummary()
	return HealthStatus{
		Status:          summary.Health,
		ActiveAlerts:    summary.ActiveAlerts,
		OptimizerAlerts: d.optimizer.ActiveAlertCount(),
		UptimeMs:        summary.UptimeMs,
		Breaches:        summary.Breaches,
		Timestamp:       d.clock(),
	}
}

// Report is a historical report over a trailing window. It is not
// modified after generation.
type Report struct {
	ID          string                       `json:"id"`
	GeneratedAt time.Time                    `json:"generatedAt"`
	WindowHours int                          `json:"windowHours"`
	Snapshots   []metricstore.MetricSnapshot `json:"snapshots"`
	Alerts      []monitoring.Alert           `json:"alerts"`
	SummaryText string                       `json:"summaryText"`
}

// GenerateReport collects the snapshots whose window ended within the last
// windowHours. It fails with *InsufficientDataError when none qualify.
func (d *Dashboard) GenerateReport(windowHours int) (*Report, error) {
	if windowHours <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, windowHours)
	}

	now := d.clock()
	since := now.Add(-time.Duration(windowHours) * time.Hour)

	var snapshots []metricstore.MetricSnapshot
	for _, s := range d.monitor.History(since) {
		if !s.WindowEnd.After(now) {
			snapshots = append(snapshots, s)
		}
	}
	if len(snapshots) == 0 {
		d.logger.Debug("Report requested before any snapshot in window",
			zap.Int("window_hours", windowHours))
		return nil, &InsufficientDataError{WindowHours: windowHours, Since: since}
	}

	alerts := d.monitor.Alerts(since)
	report := &Report{
		ID:          uuid.NewString(),
		GeneratedAt: now,
		WindowHours: windowHours,
		Snapshots:   snapshots,
		Alerts:      alerts,
		SummaryText: summarize(windowHours, snapshots, alerts, d.monitor.GetPerformanceSummary().Health),
	}

	d.logger.Info("Report generated",
		zap.String("id", report.ID),
		zap.Int("window_hours", windowHours),
		zap.Int("snapshots", len(snapshots)),
		zap.Int("alerts", len(alerts)))
	return report, nil
}

func summarize(hours int, snapshots []metricstore.MetricSnapshot, alerts []monitoring.Alert, health monitoring.Health) string {
	var (
		peakP95     float64
		peakHeap    uint64
		peakConns   int64
		errRateSum  float64
		nonEmpty    int
		critical    int
		latestReqs  = snapshots[len(snapshots)-1].RequestCount
		latestAvgMs = snapshots[len(snapshots)-1].AvgLatencyMs
	)
	for _, s := range snapshots {
		if s.P95LatencyMs > peakP95 {
			peakP95 = s.P95LatencyMs
		}
		if s.HeapUsedBytes > peakHeap {
			peakHeap = s.HeapUsedBytes
		}
		if s.OpenConnections > peakConns {
			peakConns = s.OpenConnections
		}
		if !s.Empty() {
			errRateSum += s.ErrorRate()
			nonEmpty++
		}
	}
	for _, a := range alerts {
		if a.Severity == monitoring.SeverityCritical {
			critical++
		}
	}

	avgErrRate := 0.0
	if nonEmpty > 0 {
		avgErrRate = errRateSum / float64(nonEmpty)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d snapshot(s) over the last %dh. ", len(snapshots), hours)
	fmt.Fprintf(&b, "Latest window: %d request(s), avg latency %.1fms. ", latestReqs, latestAvgMs)
	fmt.Fprintf(&b, "Peak p95 %.1fms, average error rate %.2f%%, peak heap %.1fMiB, peak connections %d. ",
		peakP95, avgErrRate*100, float64(peakHeap)/(1<<20), peakConns)
	fmt.Fprintf(&b, "%d alert(s), %d critical. Current health: %s.", len(alerts), critical, health)
	return b.String()
}
