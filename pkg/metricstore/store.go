// Package metricstore keeps the rolling window of request samples, the live
// connection counter and the history of produced snapshots.
package metricstore

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Store
type Options struct {
	// MaxSamples caps the rolling window by count
	MaxSamples int
	// MaxAge caps the rolling window by sample age
	MaxAge time.Duration
	// HistorySize caps the number of retained snapshots
	HistorySize int
	// HistoryRetention caps snapshot age in the history
	HistoryRetention time.Duration

	Runtime RuntimeReader
	Clock   func() time.Time
}

// DefaultOptions returns sensible defaults: a five minute window and one
// day of snapshot history at a ten second refresh.
func DefaultOptions() Options {
	return Options{
		MaxSamples:       10000,
		MaxAge:           5 * time.Minute,
		HistorySize:      8640,
		HistoryRetention: 24 * time.Hour,
	}
}

// Store is a goroutine-safe rolling buffer of request samples.
// Eviction is FIFO: the oldest sample leaves first whenever the count or
// age bound is exceeded.
type Store struct {
	maxAge           time.Duration
	historySize      int
	historyRetention time.Duration
	runtime          RuntimeReader
	clock            func() time.Time

	mu    sync.Mutex
	buf   []RequestSample
	start int
	count int

	connections atomic.Int64

	histMu  sync.RWMutex
	history []MetricSnapshot
}

// New creates a store; zero option fields take their defaults
func New(opts Options) *Store {
	def := DefaultOptions()
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = def.HistoryRetention
	}
	if opts.Runtime == nil {
		opts.Runtime = NewProcessReader(0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Store{
		maxAge:           opts.MaxAge,
		historySize:      opts.HistorySize,
		historyRetention: opts.HistoryRetention,
		runtime:          opts.Runtime,
		clock:            opts.Clock,
		buf:              make([]RequestSample, opts.MaxSamples),
	}
}

// Capacity returns the sample count cap
func (s *Store) Capacity() int {
	return len(s.buf)
}

// Record appends a sample, evicting the oldest samples first when either
// bound is exceeded.
func (s *Store) Record(sample RequestSample) {
	now := s.clock()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	if s.count == len(s.buf) {
		// full: overwrite the oldest slot
		s.buf[s.start] = sample
		s.start = (s.start + 1) % len(s.buf)
		return
	}

	s.buf[(s.start+s.count)%len(s.buf)] = sample
	s.count++
}

// evictExpiredLocked drops samples older than maxAge from the front
func (s *Store) evictExpiredLocked(now time.Time) int {
	cutoff := now.Add(-s.maxAge)
	evicted := 0
	for s.count > 0 && s.buf[s.start].Timestamp.Before(cutoff) {
		s.buf[s.start] = RequestSample{}
		s.start = (s.start + 1) % len(s.buf)
		s.count--
		evicted++
	}
	return evicted
}

// Len returns the number of retained samples
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Samples returns the retained samples, oldest first
func (s *Store) Samples() []RequestSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestSample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

// ConnectionOpened increments the connection counter
func (s *Store) ConnectionOpened() int64 {
	return s.connections.Add(1)
}

// ConnectionClosed decrements the connection counter. Closing at zero is a
// no-op so duplicate or out-of-order close events are tolerated; the
// return value reports whether the counter moved.
func (s *Store) ConnectionClosed() bool {
	for {
		cur := s.connections.Load()
		if cur <= 0 {
			return false
		}
		if s.connections.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// OpenConnections returns the current connection count
func (s *Store) OpenConnections() int64 {
	return s.connections.Load()
}

// Snapshot aggregates the current window and appends the result to the
// snapshot history. Percentiles are computed outside the sample lock.
func (s *Store) Snapshot() MetricSnapshot {
	now := s.clock()

	s.mu.Lock()
	s.evictExpiredLocked(now)
	durations := make([]float64, s.count)
	errs := 0
	windowStart := now
	for i := 0; i < s.count; i++ {
		sample := s.buf[(s.start+i)%len(s.buf)]
		durations[i] = sample.DurationMs
		if sample.IsError() {
			errs++
		}
		if i == 0 {
			windowStart = sample.Timestamp
		}
	}
	s.mu.Unlock()

	p50, p95, p99, avg := latencyStats(durations)
	rt := s.runtime.ReadRuntime()

	snap := MetricSnapshot{
		WindowStart:     windowStart,
		WindowEnd:       now,
		RequestCount:    len(durations),
		ErrorCount:      errs,
		P50LatencyMs:    p50,
		P95LatencyMs:    p95,
		P99LatencyMs:    p99,
		AvgLatencyMs:    avg,
		OpenConnections: s.connections.Load(),
		HeapUsedBytes:   rt.HeapUsedBytes,
		HeapLimitBytes:  rt.HeapLimitBytes,
		CPUUsagePercent: rt.CPUUsagePercent,
	}

	s.appendHistory(snap)
	return snap
}

func (s *Store) appendHistory(snap MetricSnapshot) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	// history stays ordered by WindowEnd; a snapshot that lost a race
	// against a newer one is not recorded
	if n := len(s.history); n > 0 && snap.WindowEnd.Before(s.history[n-1].WindowEnd) {
		return
	}
	s.history = append(s.history, snap)
	s.trimHistoryLocked(snap.WindowEnd)
}

func (s *Store) trimHistoryLocked(now time.Time) int {
	cutoff := now.Add(-s.historyRetention)
	drop := 0
	for drop < len(s.history) && s.history[drop].WindowEnd.Before(cutoff) {
		drop++
	}
	if over := len(s.history) - drop - s.historySize; over > 0 {
		drop += over
	}
	if drop == 0 {
		return 0
	}
	s.history = append(s.history[:0:0], s.history[drop:]...)
	return drop
}

// Latest returns the most recent snapshot in the history
func (s *Store) Latest() (MetricSnapshot, bool) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()

	if len(s.history) == 0 {
		return MetricSnapshot{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns the snapshots whose WindowEnd is at or after since,
// oldest first
func (s *Store) History(since time.Time) []MetricSnapshot {
	s.histMu.RLock()
	defer s.histMu.RUnlock()

	var out []MetricSnapshot
	for _, snap := range s.history {
		if !snap.WindowEnd.Before(since) {
			out = append(out, snap)
		}
	}
	return out
}

// Trim evicts expired samples and snapshots beyond the history caps.
// It returns the number of entries released.
func (s *Store) Trim() int {
	now := s.clock()

	s.mu.Lock()
	evicted := s.evictExpiredLocked(now)
	s.mu.Unlock()

	s.histMu.Lock()
	evicted += s.trimHistoryLocked(now)
	s.histMu.Unlock()

	return evicted
}
