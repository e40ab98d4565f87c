// Package monitoring records completed requests and live connections,
// produces snapshots on an interval and raises alerts when thresholds are
// crossed.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/scheduler"
)

const stopTimeout = 5 * time.Second

// Option configures a Monitor
type Option func(*Monitor)

// WithClock overrides the wall clock
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithMeter sets the OTEL meter used for request and connection instruments
func WithMeter(meter metric.Meter) Option {
	return func(m *Monitor) { m.meter = meter }
}

// Monitor owns the metric store and the alert lifecycle
type Monitor struct {
	store     *metricstore.Store
	logger    *zap.Logger
	clock     func() time.Time
	meter     metric.Meter
	inst      instruments
	startedAt time.Time

	cfgMu  sync.RWMutex
	config Config

	// snapMu serializes refreshes so snapshots and alert evaluation are
	// applied in WindowEnd order
	snapMu     sync.Mutex
	current    metricstore.MetricSnapshot
	hasCurrent bool

	alerts alertBook

	sinceSnapshot atomic.Int64
	refreshTask   atomic.Pointer[scheduler.Task]

	lifeMu  sync.Mutex
	sched   *scheduler.Scheduler
	stopped bool
	stopErr error
}

// NewMonitor creates a monitor over store. An invalid config is replaced
// by the defaults.
func NewMonitor(store *metricstore.Store, config Config, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("monitor")

	if err := config.Validate(); err != nil {
		logger.Warn("Invalid monitor config, using defaults", zap.Error(err))
		config = DefaultConfig()
	}

	m := &Monitor{
		store:  store,
		logger: logger,
		clock:  time.Now,
		config: config.clone(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.inst = newInstruments(m.meter, logger)
	m.startedAt = m.clock()
	m.alerts.init(logger)
	return m
}

// Store returns the underlying metric store
func (m *Monitor) Store() *metricstore.Store {
	return m.store
}

// Config returns a copy of the live configuration
func (m *Monitor) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config.clone()
}

func (m *Monitor) metricsInterval() time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config.MetricsInterval
}

func (m *Monitor) snapshotEvery() int {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config.SnapshotEvery
}

// Start launches the periodic snapshot refresh. Calling Start after Stop
// is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.sched != nil || m.stopped {
		return
	}

	m.sched = scheduler.New(ctx, m.logger)
	task := m.sched.Every("snapshot-refresh", m.metricsInterval, func(ctx context.Context) {
		m.Refresh()
	})
	m.refreshTask.Store(task)

	m.logger.Info("Performance monitor started",
		zap.Duration("metrics_interval", m.metricsInterval()),
		zap.Int("snapshot_every", m.snapshotEvery()))
}

// Stop halts the periodic refresh. It is idempotent and safe while a
// refresh is in flight; no refresh starts after it returns.
func (m *Monitor) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped {
		return m.stopErr
	}
	m.stopped = true
	m.refreshTask.Store(nil)

	if m.sched != nil {
		m.stopErr = m.sched.Stop(stopTimeout)
	}
	m.alerts.close()
	m.logger.Info("Performance monitor stopped")
	return m.stopErr
}

// RecordRequest records a completed request. It never fails: malformed
// metadata is recorded with defaults and internal panics are absorbed.
func (m *Monitor) RecordRequest(req RequestMeta, resp ResponseMeta, durationMs float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic while recording request", zap.Any("panic", r))
		}
	}()

	now := m.clock()
	sample, err := metricstore.Normalize(metricstore.RequestSample{
		Path:       req.Path,
		Method:     req.Method,
		StatusCode: resp.StatusCode,
		DurationMs: durationMs,
		SessionID:  req.SessionID,
		Timestamp:  now,
	}, now)
	if err != nil {
		m.logger.Debug("Recording malformed request sample with defaults",
			zap.String("path", sample.Path),
			zap.String("method", sample.Method),
			zap.Error(err))
	}

	m.store.Record(sample)
	m.inst.recordRequest(sample)

	if every := m.snapshotEvery(); every > 0 && m.sinceSnapshot.Add(1) >= int64(every) {
		m.sinceSnapshot.Store(0)
		if task := m.refreshTask.Load(); task != nil {
			task.Trigger()
		}
	}
}

// OnConnectionOpen records a live connection opening
func (m *Monitor) OnConnectionOpen() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic on connection open", zap.Any("panic", r))
		}
	}()

	m.store.ConnectionOpened()
	m.inst.connectionDelta(1)
}

// OnConnectionClose records a live connection closing. Closing with no
// open connections is ignored.
func (m *Monitor) OnConnectionClose() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic on connection close", zap.Any("panic", r))
		}
	}()

	if m.store.ConnectionClosed() {
		m.inst.connectionDelta(-1)
	}
}

// Refresh produces a new snapshot and evaluates thresholds against it
func (m *Monitor) Refresh() metricstore.MetricSnapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.refreshLocked()
}

func (m *Monitor) refreshLocked() metricstore.MetricSnapshot {
	snap := m.store.Snapshot()
	m.current = snap
	m.hasCurrent = true
	m.sinceSnapshot.Store(0)

	m.alerts.evaluate(snap, m.Config())
	return snap
}

// GetCurrentMetrics returns the latest snapshot, computing a new one when
// the cached snapshot is older than the metrics interval. Returned
// snapshots never go backwards in time.
func (m *Monitor) GetCurrentMetrics() metricstore.MetricSnapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	if !m.hasCurrent || m.clock().Sub(m.current.WindowEnd) >= m.metricsInterval() {
		return m.refreshLocked()
	}
	return m.current
}

// LatestSnapshot returns the cached snapshot without refreshing
func (m *Monitor) LatestSnapshot() (metricstore.MetricSnapshot, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.current, m.hasCurrent
}

// History returns stored snapshots whose window ended at or after since
func (m *Monitor) History(since time.Time) []metricstore.MetricSnapshot {
	return m.store.History(since)
}

// GetPerformanceSummary derives health from the active alerts
func (m *Monitor) GetPerformanceSummary() Summary {
	active := m.alerts.active()
	cfg := m.Config()

	return Summary{
		Health:          HealthOf(active),
		ActiveAlerts:    len(active),
		UptimeMs:        m.clock().Sub(m.startedAt).Milliseconds(),
		StartedAt:       m.startedAt,
		AlertingEnabled: cfg.AlertingEnabled,
		Alerts:          active,
		Breaches:        m.alerts.currentBreaches(),
	}
}

// ActiveAlerts returns unresolved alerts, oldest first
func (m *Monitor) ActiveAlerts() []Alert {
	return m.alerts.active()
}

// Alerts returns active alerts plus alerts cleared at or after since
func (m *Monitor) Alerts(since time.Time) []Alert {
	return m.alerts.since(since)
}

// OnAlert registers a listener for alert transitions. Each listener has
// its own goroutine and sees transitions in the order they happened; a
// panicking listener is logged and ignored. Listeners stop after Stop.
func (m *Monitor) OnAlert(fn func(AlertEvent)) {
	m.alerts.addListener(fn)
}

// RaiseTrendAlert puts a trend claim on the alert for kind. If a threshold
// alert of the same kind is already open the trend joins it and the
// stronger severity wins. A new alert is only opened while alerting is
// enabled. It reports whether the trend now holds the alert.
func (m *Monitor) RaiseTrendAlert(kind AlertKind, severity Severity, value, threshold float64, message string) bool {
	return m.alerts.claim(kind, SourceTrend, claim{
		severity:  severity,
		value:     value,
		threshold: threshold,
		message:   message,
	}, m.Config().AlertingEnabled, m.clock())
}

// ClearTrendAlert withdraws the trend claim for kind, reporting whether one
// was held. The alert stays open while a threshold breach still holds it.
func (m *Monitor) ClearTrendAlert(kind AlertKind) bool {
	return m.alerts.withdraw(kind, SourceTrend, m.clock())
}

// UpdateConfig merges a partial update into the live configuration. An
// invalid result is rejected and the previous configuration stays in place.
func (m *Monitor) UpdateConfig(u ConfigUpdate) error {
	m.cfgMu.Lock()
	prev := m.config
	next, ignored, err := prev.Merge(u)
	if err != nil {
		m.cfgMu.Unlock()
		return err
	}
	m.config = next
	m.cfgMu.Unlock()

	if len(ignored) > 0 {
		m.logger.Warn("Ignoring unknown threshold kinds", zap.Strings("kinds", ignored))
	}
	if next.MetricsInterval != prev.MetricsInterval {
		if task := m.refreshTask.Load(); task != nil {
			task.Reset()
		}
	}

	m.logger.Info("Monitor config updated",
		zap.Duration("metrics_interval", next.MetricsInterval),
		zap.Bool("alerting_enabled", next.AlertingEnabled))
	return nil
}

// Trim drops cleared alerts past retention. It returns the number released.
func (m *Monitor) Trim() int {
	cfg := m.Config()
	return m.alerts.trim(m.clock().Add(-cfg.AlertRetention), cfg.AlertHistoryLimit)
}
