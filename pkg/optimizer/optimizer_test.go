package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
)

const mib = 1 << 20

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// feed serves one snapshot per tick, advancing a minute each time
type feed struct {
	clock *fakeClock

	mu   sync.Mutex
	heap uint64
	p95  float64
	reqs int
}

func (f *feed) set(heap uint64, p95 float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heap = heap
	f.p95 = p95
}

func (f *feed) GetCurrentMetrics() metricstore.MetricSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return metricstore.MetricSnapshot{
		WindowEnd:      f.clock.Now(),
		RequestCount:   f.reqs,
		P95LatencyMs:   f.p95,
		HeapUsedBytes:  f.heap,
		HeapLimitBytes: 1 << 30,
	}
}

type sinkCall struct {
	kind     monitoring.AlertKind
	severity monitoring.Severity
}

type fakeSink struct {
	mu      sync.Mutex
	raised  []sinkCall
	cleared []monitoring.AlertKind
	active  map[monitoring.AlertKind]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{active: map[monitoring.AlertKind]bool{}}
}

func (s *fakeSink) RaiseTrendAlert(kind monitoring.AlertKind, severity monitoring.Severity, value, threshold float64, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised = append(s.raised, sinkCall{kind: kind, severity: severity})
	s.active[kind] = true
	return true
}

func (s *fakeSink) ClearTrendAlert(kind monitoring.AlertKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, kind)
	was := s.active[kind]
	delete(s.active, kind)
	return was
}

func (s *fakeSink) counts() (raised, cleared int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raised), len(s.cleared)
}

type countingReclaimer struct {
	calls atomic.Int32
}

func (r *countingReclaimer) Reclaim() { r.calls.Add(1) }

type countingTrimmer struct {
	calls atomic.Int32
}

func (t *countingTrimmer) Trim() int {
	t.calls.Add(1)
	return 2
}

type fixture struct {
	opt       *Optimizer
	clock     *fakeClock
	feed      *feed
	sink      *fakeSink
	reclaimer *countingReclaimer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TrendWindow = 5
	cfg.ConsecutiveBreaches = 3
	cfg.MemoryGrowthThreshold = mib
	cfg.LatencyGrowthThreshold = 50
	return cfg
}

func newFixture(t *testing.T, cfg Config, heap HeapReader) fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	f := &feed{clock: clock}
	sink := newFakeSink()
	rec := &countingReclaimer{}

	opts := []Option{WithClock(clock.Now), WithReclaimer(rec)}
	if heap != nil {
		opts = append(opts, WithHeapReader(heap))
	} else {
		opts = append(opts, WithHeapReader(func() uint64 { return 100 * mib }))
	}

	o := New(f, sink, cfg, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = o.Stop() })
	return fixture{opt: o, clock: clock, feed: f, sink: sink, reclaimer: rec}
}

// tick advances a minute and analyzes
func (f fixture) tick() {
	f.clock.Advance(time.Minute)
	f.opt.Analyze()
}

func TestLeakEpisodeReclaimsOnce(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	heap := uint64(100 * mib)
	for i := 0; i < 12; i++ {
		heap += 10 * mib
		f.feed.set(heap, 0)
		f.tick()
	}

	raised, cleared := f.sink.counts()
	assert.Equal(t, 1, raised)
	assert.Equal(t, 0, cleared)
	assert.Equal(t, int32(1), f.reclaimer.calls.Load())

	status := f.opt.GetStatus()
	assert.True(t, status.MemoryLeakDetection.Trend.InEpisode)
	assert.Equal(t, 1, status.MemoryLeakDetection.Trend.Episodes)
	assert.Equal(t, 1, status.ActiveAlerts)
	assert.Equal(t, 1, status.Reclamations)
	assert.InDelta(t, 10*mib, status.MemoryLeakDetection.Trend.Slope, 1)
	assert.Len(t, status.MemoryLeakDetection.Trend.Points, 5)
}

func TestLeakEpisodeEndsWhenGrowthStops(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	heap := uint64(100 * mib)
	for i := 0; i < 6; i++ {
		heap += 10 * mib
		f.feed.set(heap, 0)
		f.tick()
	}
	require.Equal(t, int32(1), f.reclaimer.calls.Load())

	// flat heap until the window no longer shows growth
	for i := 0; i < 5; i++ {
		f.tick()
	}
	_, cleared := f.sink.counts()
	assert.Equal(t, 1, cleared)
	assert.False(t, f.opt.GetStatus().MemoryLeakDetection.Trend.InEpisode)
	assert.Equal(t, 0, f.opt.ActiveAlertCount())

	// a new sustained rise is a new episode
	for i := 0; i < 6; i++ {
		heap += 10 * mib
		f.feed.set(heap, 0)
		f.tick()
	}
	assert.Equal(t, int32(2), f.reclaimer.calls.Load())
}

func TestLeakRemediationResetsTrend(t *testing.T) {
	var reads atomic.Int32
	// before/after pairs: reclamation halves the heap
	heapReader := func() uint64 {
		if reads.Add(1)%2 == 1 {
			return 200 * mib
		}
		return 100 * mib
	}
	f := newFixture(t, testConfig(), heapReader)

	heap := uint64(100 * mib)
	for i := 0; i < 5; i++ {
		heap += 10 * mib
		f.feed.set(heap, 0)
		f.tick()
	}

	raised, cleared := f.sink.counts()
	assert.Equal(t, 1, raised)
	assert.Equal(t, 0, cleared, "remediation must not clear the alert it just raised")
	assert.Equal(t, int32(1), f.reclaimer.calls.Load())

	trend := f.opt.GetStatus().MemoryLeakDetection.Trend
	assert.False(t, trend.InEpisode)
	assert.Empty(t, trend.Points)
	assert.Equal(t, 0, trend.ConsecutiveBreaches)
	assert.True(t, trend.AlertRaised)
	assert.Equal(t, 1, f.opt.ActiveAlertCount())

	// the restarted window needs enough flat points to show the slope fell
	for i := 0; i < 2; i++ {
		f.tick()
	}
	_, cleared = f.sink.counts()
	assert.Equal(t, 0, cleared)

	f.tick()
	_, cleared = f.sink.counts()
	assert.Equal(t, 1, cleared)
	assert.Equal(t, []monitoring.AlertKind{monitoring.KindMemory}, f.sink.cleared)
	assert.False(t, f.opt.GetStatus().MemoryLeakDetection.Trend.AlertRaised)
	assert.Equal(t, 0, f.opt.ActiveAlertCount())
}

func TestSlowGrowthIsNotALeak(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	heap := uint64(100 * mib)
	for i := 0; i < 10; i++ {
		heap += 1024
		f.feed.set(heap, 0)
		f.tick()
	}

	raised, _ := f.sink.counts()
	assert.Equal(t, 0, raised)
	assert.Equal(t, int32(0), f.reclaimer.calls.Load())
}

func TestAnalyzeSkipsRepeatedSnapshot(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	f.feed.set(100*mib, 0)
	f.tick()
	f.opt.Analyze()
	f.opt.Analyze()

	assert.Len(t, f.opt.GetStatus().MemoryLeakDetection.Trend.Points, 1)
}

func TestDegradationFlagsCompactionDue(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.feed.reqs = 10
	trimmer := &countingTrimmer{}
	f.opt.RegisterTrimmer("samples", trimmer)
	require.NoError(t, f.opt.SetTaskEnabled(TaskMemoryReclamation, false))

	before := f.opt.Tasks()
	var compactionNext time.Time
	for _, rec := range before {
		if rec.Name == TaskBufferCompaction {
			compactionNext = rec.NextRunAt
		}
	}

	p95 := 100.0
	for i := 0; i < 5; i++ {
		p95 += 200
		f.feed.set(100*mib, p95)
		f.tick()
	}

	require.Len(t, f.sink.raised, 1)
	assert.Equal(t, monitoring.KindLatency, f.sink.raised[0].kind)
	assert.Equal(t, monitoring.SeverityCritical, f.sink.raised[0].severity)

	var compaction TaskRecord
	for _, rec := range f.opt.Tasks() {
		if rec.Name == TaskBufferCompaction {
			compaction = rec
		}
	}
	assert.True(t, compaction.DueNow)

	require.NoError(t, f.opt.RunDueTasks(context.Background()))
	for _, rec := range f.opt.Tasks() {
		if rec.Name == TaskBufferCompaction {
			compaction = rec
		}
	}
	assert.False(t, compaction.DueNow)
	assert.Equal(t, ResultOK, compaction.LastResult)
	require.NotNil(t, compaction.LastRunAt)
	assert.Equal(t, compactionNext, compaction.NextRunAt)
	assert.Equal(t, int32(1), trimmer.calls.Load())
}

func compactionRecord(t *testing.T, o *Optimizer) TaskRecord {
	t.Helper()
	for _, rec := range o.Tasks() {
		if rec.Name == TaskBufferCompaction {
			return rec
		}
	}
	t.Fatalf("task %s not registered", TaskBufferCompaction)
	return TaskRecord{}
}

func TestDegradationWithMaintenanceOffFlagsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceEnabled = false
	f := newFixture(t, cfg, nil)
	f.feed.reqs = 10

	p95 := 100.0
	for i := 0; i < 5; i++ {
		p95 += 200
		f.feed.set(100*mib, p95)
		f.tick()
	}

	raised, _ := f.sink.counts()
	require.Equal(t, 1, raised)
	assert.False(t, compactionRecord(t, f.opt).DueNow)
}

func TestDisablingMaintenanceDropsDueFlags(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	require.NoError(t, f.opt.MarkDue(TaskBufferCompaction))
	require.True(t, compactionRecord(t, f.opt).DueNow)

	off := false
	require.NoError(t, f.opt.UpdateConfig(ConfigUpdate{Maintenance: &off}))
	assert.False(t, compactionRecord(t, f.opt).DueNow)
}

func TestDegradationIgnoresEmptyWindows(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	p95 := 100.0
	for i := 0; i < 6; i++ {
		p95 += 200
		f.feed.set(100*mib, p95)
		f.tick()
	}

	assert.Empty(t, f.opt.GetStatus().PerformanceDegradation.Trend.Points)
}

func TestOptimizeMemoryUsage(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	trimmer := &countingTrimmer{}
	f.opt.RegisterTrimmer("samples", trimmer)
	f.opt.RegisterTrimmer("alerts", trimmer)

	result := f.opt.OptimizeMemoryUsage()
	assert.Equal(t, 4, result.TrimmedEntries)
	assert.True(t, result.HostReclaimed)
	assert.Empty(t, result.Note)
	assert.Equal(t, int32(1), f.reclaimer.calls.Load())
}

type panickingTrimmer struct{}

func (panickingTrimmer) Trim() int { panic("corrupt buffer") }

func TestOptimizeMemoryUsageWithoutReclaimer(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(&feed{clock: clock}, newFakeSink(), testConfig(), zaptest.NewLogger(t),
		WithReclaimer(nil), WithHeapReader(func() uint64 { return 10 }))
	o.RegisterTrimmer("broken", panickingTrimmer{})

	var result ReclamationResult
	assert.NotPanics(t, func() { result = o.OptimizeMemoryUsage() })
	assert.False(t, result.HostReclaimed)
	assert.Equal(t, ErrReclamationUnsupported.Error(), result.Note)
	assert.Equal(t, 0, result.TrimmedEntries)
}

func TestMaintenanceScheduling(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	var runs atomic.Int32
	require.NoError(t, f.opt.RegisterTask("flaky", time.Minute, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("disk busy")
		}
		return nil
	}))

	// nothing is due yet
	require.NoError(t, f.opt.RunDueTasks(context.Background()))
	assert.Equal(t, int32(0), runs.Load())

	f.clock.Advance(time.Minute)
	err := f.opt.RunDueTasks(context.Background())
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "flaky", taskErr.Task)

	rec := findTask(t, f.opt, "flaky")
	assert.Equal(t, ResultFailed, rec.LastResult)
	assert.Equal(t, "maintenance task flaky failed: disk busy", rec.LastError)
	assert.Equal(t, f.clock.Now().Add(time.Minute), rec.NextRunAt)

	// retried on the next normal interval
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.opt.RunDueTasks(context.Background()))
	assert.Equal(t, int32(1), runs.Load())

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.opt.RunDueTasks(context.Background()))
	rec = findTask(t, f.opt, "flaky")
	assert.Equal(t, ResultOK, rec.LastResult)
	assert.Equal(t, 2, rec.Runs)
	assert.Equal(t, 1, rec.Failures)
}

func TestDisabledTaskIsSkipped(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	var runs atomic.Int32
	require.NoError(t, f.opt.RegisterTask("report", time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, f.opt.SetTaskEnabled("report", false))
	assert.ErrorIs(t, f.opt.SetTaskEnabled("missing", false), ErrUnknownTask)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.opt.RunDueTasks(context.Background()))

	rec := findTask(t, f.opt, "report")
	assert.Equal(t, ResultSkipped, rec.LastResult)
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, f.clock.Now().Add(time.Minute), rec.NextRunAt)
}

func TestTaskPanicIsRecordedAsFailure(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.opt.RegisterTask("explode", time.Minute, func(ctx context.Context) error {
		panic("boom")
	}))

	f.clock.Advance(time.Minute)
	err := f.opt.RunDueTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, ResultFailed, findTask(t, f.opt, "explode").LastResult)
}

func TestRegisterTaskValidation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	assert.Error(t, f.opt.RegisterTask("", time.Minute, func(context.Context) error { return nil }))
	assert.Error(t, f.opt.RegisterTask("x", 0, func(context.Context) error { return nil }))
	assert.Error(t, f.opt.RegisterTask("x", time.Minute, nil))
	assert.ErrorIs(t, f.opt.MarkDue("missing"), ErrUnknownTask)
}

func TestGetStatusAndUpdateConfig(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	status := f.opt.GetStatus()
	assert.True(t, status.MemoryLeakDetection.Enabled)
	assert.True(t, status.PerformanceDegradation.Enabled)
	assert.True(t, status.MaintenanceTasks.Enabled)
	require.Len(t, status.MaintenanceTasks.Tasks, 2)
	assert.Equal(t, TaskMemoryReclamation, status.MaintenanceTasks.Tasks[0].Name)
	assert.Equal(t, TaskBufferCompaction, status.MaintenanceTasks.Tasks[1].Name)

	// raise a leak alert then disable detection
	heap := uint64(100 * mib)
	for i := 0; i < 5; i++ {
		heap += 10 * mib
		f.feed.set(heap, 0)
		f.tick()
	}
	require.Equal(t, 1, f.opt.ActiveAlertCount())

	off := false
	require.NoError(t, f.opt.UpdateConfig(ConfigUpdate{LeakDetection: &off, Maintenance: &off}))
	status = f.opt.GetStatus()
	assert.False(t, status.MemoryLeakDetection.Enabled)
	assert.False(t, status.MaintenanceTasks.Enabled)
	assert.Equal(t, 0, status.ActiveAlerts)
	_, cleared := f.sink.counts()
	assert.Equal(t, 1, cleared)

	bad := 1
	assert.Error(t, f.opt.UpdateConfig(ConfigUpdate{TrendWindow: &bad}))
	assert.Equal(t, 5, f.opt.Config().TrendWindow)
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.AnalysisInterval = 2 * time.Millisecond
	f := newFixture(t, cfg, nil)

	f.opt.Start(context.Background())
	assert.Eventually(t, func() bool {
		return f.opt.GetStatus().LastAnalysisAt != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, f.opt.Stop())
	require.NoError(t, f.opt.Stop())
}

func findTask(t *testing.T, o *Optimizer, name string) TaskRecord {
	t.Helper()
	for _, rec := range o.Tasks() {
		if rec.Name == name {
			return rec
		}
	}
	t.Fatalf("task %s not registered", name)
	return TaskRecord{}
}
