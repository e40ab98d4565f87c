// Package optimizer watches snapshot trends for memory leaks and latency
// degradation and runs scheduled maintenance to counteract them.
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/scheduler"
)

const stopTimeout = 5 * time.Second

// SnapshotSource supplies the snapshot analyzed on each tick
type SnapshotSource interface {
	GetCurrentMetrics() metricstore.MetricSnapshot
}

// AlertSink receives trend alerts
type AlertSink interface {
	RaiseTrendAlert(kind monitoring.AlertKind, severity monitoring.Severity, value, threshold float64, message string) bool
	ClearTrendAlert(kind monitoring.AlertKind) bool
}

// Option configures an Optimizer
type Option func(*Optimizer)

// WithClock overrides the wall clock
func WithClock(clock func() time.Time) Option {
	return func(o *Optimizer) { o.clock = clock }
}

// WithReclaimer sets the host reclamation capability. Nil means the host
// cannot reclaim and only buffer trimming is performed.
func WithReclaimer(r Reclaimer) Option {
	return func(o *Optimizer) { o.reclaimer = r }
}

// WithHeapReader overrides how heap use is measured around a reclamation
func WithHeapReader(h HeapReader) Option {
	return func(o *Optimizer) { o.heap = h }
}

// Optimizer owns trend state and the maintenance task registry
type Optimizer struct {
	source    SnapshotSource
	sink      AlertSink
	logger    *zap.Logger
	clock     func() time.Time
	reclaimer Reclaimer
	heap      HeapReader

	mu              sync.Mutex
	config          Config
	memory          *TrendState
	latency         *TrendState
	lastAnalyzed    time.Time
	tasks           map[string]*maintenanceTask
	taskOrder       []string
	trimmers        []namedTrimmer
	lastReclamation *ReclamationResult
	reclamations    int

	reclaimMu sync.Mutex

	analysisTask atomic.Pointer[scheduler.Task]
	sweepTask    atomic.Pointer[scheduler.Task]

	lifeMu  sync.Mutex
	sched   *scheduler.Scheduler
	stopped bool
	stopErr error
}

// New creates an optimizer reading snapshots from source and raising trend
// alerts on sink. The built-in maintenance tasks are registered.
func New(source SnapshotSource, sink AlertSink, config Config, logger *zap.Logger, opts ...Option) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("optimizer")

	if err := config.Validate(); err != nil {
		logger.Warn("Invalid optimizer config, using defaults", zap.Error(err))
		config = DefaultConfig()
	}

	o := &Optimizer{
		source:    source,
		sink:      sink,
		logger:    logger,
		clock:     time.Now,
		reclaimer: RuntimeReclaimer{},
		heap:      RuntimeHeap,
		config:    config,
		memory:    newTrend("heapUsedBytes"),
		latency:   newTrend("p95LatencyMs"),
		tasks:     make(map[string]*maintenanceTask),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.heap == nil {
		o.heap = RuntimeHeap
	}

	// built-in tasks are valid by construction
	_ = o.RegisterTask(TaskMemoryReclamation, config.MemoryReclamationInterval, func(ctx context.Context) error {
		o.OptimizeMemoryUsage()
		return nil
	})
	_ = o.RegisterTask(TaskBufferCompaction, config.BufferCompactionInterval, func(ctx context.Context) error {
		o.trimAll()
		return nil
	})

	return o
}

// Config returns the live configuration
func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

func (o *Optimizer) analysisInterval() time.Duration {
	return o.Config().AnalysisInterval
}

func (o *Optimizer) sweepInterval() time.Duration {
	return o.Config().SweepInterval
}

// Start launches the analysis and maintenance ticks. Calling Start after
// Stop is a no-op.
func (o *Optimizer) Start(ctx context.Context) {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.sched != nil || o.stopped {
		return
	}

	o.sched = scheduler.New(ctx, o.logger)
	o.analysisTask.Store(o.sched.Every("trend-analysis", o.analysisInterval, func(ctx context.Context) {
		o.Analyze()
	}))
	o.sweepTask.Store(o.sched.Every("maintenance-sweep", o.sweepInterval, func(ctx context.Context) {
		if !o.Config().MaintenanceEnabled {
			return
		}
		// failures are already recorded and logged per task
		_ = o.RunDueTasks(ctx)
	}))

	cfg := o.Config()
	o.logger.Info("Performance optimizer started",
		zap.Duration("analysis_interval", cfg.AnalysisInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Bool("leak_detection", cfg.LeakDetectionEnabled),
		zap.Bool("degradation_detection", cfg.DegradationDetectionEnabled),
		zap.Bool("maintenance", cfg.MaintenanceEnabled))
}

// Stop halts all periodic analysis and maintenance. It is idempotent.
func (o *Optimizer) Stop() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.stopped {
		return o.stopErr
	}
	o.stopped = true
	o.analysisTask.Store(nil)
	o.sweepTask.Store(nil)

	if o.sched != nil {
		o.stopErr = o.sched.Stop(stopTimeout)
	}
	o.logger.Info("Performance optimizer stopped")
	return o.stopErr
}

// Analyze runs one leak and degradation analysis tick against the
// current snapshot. A snapshot already analyzed is skipped.
func (o *Optimizer) Analyze() {
	snap := o.source.GetCurrentMetrics()

	o.mu.Lock()
	if !snap.WindowEnd.After(o.lastAnalyzed) {
		o.mu.Unlock()
		return
	}
	o.lastAnalyzed = snap.WindowEnd
	cfg := o.config
	o.mu.Unlock()

	if cfg.LeakDetectionEnabled {
		o.analyzeMemory(snap, cfg)
	}
	if cfg.DegradationDetectionEnabled && !snap.Empty() {
		o.analyzeLatency(snap, cfg)
	}
}

// analyzeMemory tracks heap growth. A sustained breach starts an episode
// that raises one alert and runs one reclamation. A reclamation that frees
// at least the margin restarts the trend window; the alert stays up until a
// later window shows the slope back under the threshold.
func (o *Optimizer) analyzeMemory(snap metricstore.MetricSnapshot, cfg Config) {
	o.mu.Lock()
	t := o.memory
	t.add(snap.WindowEnd, float64(snap.HeapUsedBytes), cfg.TrendWindow)
	if !t.estimate() {
		o.mu.Unlock()
		return
	}

	if t.Slope <= cfg.MemoryGrowthThreshold {
		wasRaised := o.endEpisodeLocked(t)
		o.mu.Unlock()
		if wasRaised {
			o.sink.ClearTrendAlert(monitoring.KindMemory)
		}
		return
	}

	t.ConsecutiveBreaches++
	if t.ConsecutiveBreaches < cfg.ConsecutiveBreaches || t.InEpisode {
		o.mu.Unlock()
		return
	}
	t.InEpisode = true
	t.Episodes++
	slope := t.Slope
	breaches := t.ConsecutiveBreaches
	o.mu.Unlock()

	o.logger.Warn("Suspected memory leak",
		zap.Float64("growth_bytes_per_min", slope),
		zap.Float64("threshold_bytes_per_min", cfg.MemoryGrowthThreshold),
		zap.Int("consecutive_breaches", breaches),
		zap.Uint64("heap_used_bytes", snap.HeapUsedBytes))

	raised := o.sink.RaiseTrendAlert(monitoring.KindMemory, trendSeverity(slope, cfg.MemoryGrowthThreshold),
		slope, cfg.MemoryGrowthThreshold,
		fmt.Sprintf("heap growing %.0f bytes/min for %d consecutive checks", slope, breaches))

	result := o.OptimizeMemoryUsage()

	o.mu.Lock()
	t.AlertRaised = raised
	remediated := result.Remediated(cfg.RemediationMargin)
	if remediated {
		t.reset()
	}
	o.mu.Unlock()

	if remediated {
		o.logger.Info("Memory leak remediated",
			zap.Uint64("heap_before_bytes", result.HeapBeforeBytes),
			zap.Uint64("heap_after_bytes", result.HeapAfterBytes),
			zap.Bool("alert_held", raised))
	}
}

// analyzeLatency tracks p95 growth. A sustained breach raises one alert and,
// while maintenance runs, flags buffer compaction for an immediate run.
func (o *Optimizer) analyzeLatency(snap metricstore.MetricSnapshot, cfg Config) {
	o.mu.Lock()
	t := o.latency
	t.add(snap.WindowEnd, snap.P95LatencyMs, cfg.TrendWindow)
	if !t.estimate() {
		o.mu.Unlock()
		return
	}

	if t.Slope <= cfg.LatencyGrowthThreshold {
		wasRaised := o.endEpisodeLocked(t)
		o.mu.Unlock()
		if wasRaised {
			o.sink.ClearTrendAlert(monitoring.KindLatency)
		}
		return
	}

	t.ConsecutiveBreaches++
	if t.ConsecutiveBreaches < cfg.ConsecutiveBreaches || t.InEpisode {
		o.mu.Unlock()
		return
	}
	t.InEpisode = true
	t.Episodes++
	slope := t.Slope
	breaches := t.ConsecutiveBreaches
	o.mu.Unlock()

	o.logger.Warn("Performance degradation detected",
		zap.Float64("growth_ms_per_min", slope),
		zap.Float64("threshold_ms_per_min", cfg.LatencyGrowthThreshold),
		zap.Int("consecutive_breaches", breaches),
		zap.Float64("p95_latency_ms", snap.P95LatencyMs))

	raised := o.sink.RaiseTrendAlert(monitoring.KindLatency, trendSeverity(slope, cfg.LatencyGrowthThreshold),
		slope, cfg.LatencyGrowthThreshold,
		fmt.Sprintf("p95 latency growing %.1fms/min for %d consecutive checks", slope, breaches))

	o.mu.Lock()
	t.AlertRaised = raised
	o.mu.Unlock()

	if !cfg.MaintenanceEnabled {
		return
	}
	if err := o.MarkDue(TaskBufferCompaction); err != nil {
		o.logger.Warn("Could not flag buffer compaction", zap.Error(err))
	}
}

// endEpisodeLocked resets the breach count and reports whether an alert
// raised by the episode needs clearing
func (o *Optimizer) endEpisodeLocked(t *TrendState) bool {
	t.ConsecutiveBreaches = 0
	t.InEpisode = false
	raised := t.AlertRaised
	t.AlertRaised = false
	return raised
}

// trendSeverity escalates to critical when growth is three times the threshold
func trendSeverity(slope, threshold float64) monitoring.Severity {
	if slope >= 3*threshold {
		return monitoring.SeverityCritical
	}
	return monitoring.SeverityWarning
}

// FeatureStatus reports one analysis
type FeatureStatus struct {
	Enabled bool       `json:"enabled"`
	Trend   TrendState `json:"trend"`
}

// MaintenanceStatus reports the task registry
type MaintenanceStatus struct {
	Enabled bool         `json:"enabled"`
	Tasks   []TaskRecord `json:"tasks"`
}

// Status is the optimizer's externally visible state
type Status struct {
	MemoryLeakDetection    FeatureStatus      `json:"memoryLeakDetection"`
	PerformanceDegradation FeatureStatus      `json:"performanceDegradation"`
	MaintenanceTasks       MaintenanceStatus  `json:"maintenanceTasks"`
	ActiveAlerts           int                `json:"activeAlerts"`
	Reclamations           int                `json:"reclamations"`
	LastReclamation        *ReclamationResult `json:"lastReclamation,omitempty"`
	LastAnalysisAt         *time.Time         `json:"lastAnalysisAt,omitempty"`
}

// GetStatus reports which analyses and task groups are active. It never fails.
func (o *Optimizer) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{
		MemoryLeakDetection: FeatureStatus{
			Enabled: o.config.LeakDetectionEnabled,
			Trend:   o.memory.clone(),
		},
		PerformanceDegradation: FeatureStatus{
			Enabled: o.config.DegradationDetectionEnabled,
			Trend:   o.latency.clone(),
		},
		MaintenanceTasks: MaintenanceStatus{
			Enabled: o.config.MaintenanceEnabled,
			Tasks:   o.taskRecordsLocked(),
		},
		ActiveAlerts: o.activeAlertsLocked(),
		Reclamations: o.reclamations,
	}
	if o.lastReclamation != nil {
		last := *o.lastReclamation
		status.LastReclamation = &last
	}
	if !o.lastAnalyzed.IsZero() {
		at := o.lastAnalyzed
		status.LastAnalysisAt = &at
	}
	return status
}

// ActiveAlertCount returns the trend alerts currently raised by the optimizer
func (o *Optimizer) ActiveAlertCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeAlertsLocked()
}

func (o *Optimizer) activeAlertsLocked() int {
	n := 0
	if o.memory.AlertRaised {
		n++
	}
	if o.latency.AlertRaised {
		n++
	}
	return n
}

// UpdateConfig merges a partial update into the live configuration.
// Disabling an analysis ends its episode and clears its alert. Disabling
// maintenance drops pending one-off runs.
func (o *Optimizer) UpdateConfig(u ConfigUpdate) error {
	o.mu.Lock()
	prev := o.config
	next, err := prev.Merge(u)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.config = next

	var toClear []monitoring.AlertKind
	if prev.LeakDetectionEnabled && !next.LeakDetectionEnabled {
		if o.endEpisodeLocked(o.memory) {
			toClear = append(toClear, monitoring.KindMemory)
		}
		o.memory.reset()
	}
	if prev.DegradationDetectionEnabled && !next.DegradationDetectionEnabled {
		if o.endEpisodeLocked(o.latency) {
			toClear = append(toClear, monitoring.KindLatency)
		}
		o.latency.reset()
	}
	if prev.MaintenanceEnabled && !next.MaintenanceEnabled {
		for _, t := range o.tasks {
			t.record.DueNow = false
		}
	}
	o.mu.Unlock()

	for _, kind := range toClear {
		o.sink.ClearTrendAlert(kind)
	}
	if next.AnalysisInterval != prev.AnalysisInterval {
		if task := o.analysisTask.Load(); task != nil {
			task.Reset()
		}
	}

	o.logger.Info("Optimizer config updated",
		zap.Duration("analysis_interval", next.AnalysisInterval),
		zap.Bool("leak_detection", next.LeakDetectionEnabled),
		zap.Bool("degradation_detection", next.DegradationDetectionEnabled),
		zap.Bool("maintenance", next.MaintenanceEnabled))
	return nil
}
