package metricstore

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// RuntimeStats is the host-process portion of a snapshot
type RuntimeStats struct {
	HeapUsedBytes   uint64
	HeapLimitBytes  uint64
	CPUUsagePercent float64
}

// RuntimeReader samples process memory and CPU
type RuntimeReader interface {
	ReadRuntime() RuntimeStats
}

// ProcessReader reads the Go runtime memory stats and process CPU time.
// CPU usage is the share of wall time spent on CPU since the previous read,
// normalized by the number of CPUs.
type ProcessReader struct {
	heapLimitOverride uint64

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// NewProcessReader creates a reader. A non-zero heapLimit overrides the
// limit discovered from GOMEMLIMIT. With neither set HeapLimitBytes is 0,
// which snapshots report as a heap usage fraction of 0, so memory
// thresholds never fire without a known limit.
func NewProcessReader(heapLimit uint64) *ProcessReader {
	r := &ProcessReader{heapLimitOverride: heapLimit}
	if cpu, ok := processCPUTime(); ok {
		r.lastCPU = cpu
		r.lastWall = time.Now()
	}
	return r
}

// ReadRuntime implements RuntimeReader
func (r *ProcessReader) ReadRuntime() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return RuntimeStats{
		HeapUsedBytes:   m.HeapAlloc,
		HeapLimitBytes:  r.heapLimit(),
		CPUUsagePercent: r.cpuPercent(),
	}
}

// heapLimit returns the configured limit or 0 when none is known. The
// runtime reports math.MaxInt64 when GOMEMLIMIT is unset.
func (r *ProcessReader) heapLimit() uint64 {
	if r.heapLimitOverride > 0 {
		return r.heapLimitOverride
	}
	// SetMemoryLimit with a negative value only reads the current limit
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}
	return 0
}

func (r *ProcessReader) cpuPercent() float64 {
	cpu, ok := processCPUTime()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	prevWall, prevCPU := r.lastWall, r.lastCPU
	r.lastCPU = cpu
	r.lastWall = now

	if prevWall.IsZero() {
		return 0
	}
	wall := now.Sub(prevWall)
	used := cpu - prevCPU
	if wall <= 0 || used < 0 {
		return 0
	}

	pct := float64(used) / float64(wall) / float64(runtime.NumCPU()) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
