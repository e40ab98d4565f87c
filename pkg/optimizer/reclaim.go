package optimizer

import (
	"errors"
	"runtime"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// ErrReclamationUnsupported is recorded when no host reclamation capability
// is available. It is informational and never returned as a failure.
var ErrReclamationUnsupported = errors.New("memory reclamation unsupported")

// Trimmer is a bounded buffer that can release entries beyond its caps
type Trimmer interface {
	Trim() int
}

// Reclaimer asks the host environment to return memory
type Reclaimer interface {
	Reclaim()
}

// RuntimeReclaimer forces a GC and returns freed memory to the OS
type RuntimeReclaimer struct{}

// Reclaim implements Reclaimer
func (RuntimeReclaimer) Reclaim() {
	debug.FreeOSMemory()
}

// HeapReader returns the bytes of heap in use
type HeapReader func() uint64

// RuntimeHeap reads HeapAlloc from the Go runtime
func RuntimeHeap() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// ReclamationResult describes one memory remediation pass
type ReclamationResult struct {
	At              time.Time     `json:"at"`
	Duration        time.Duration `json:"duration"`
	TrimmedEntries  int           `json:"trimmedEntries"`
	HostReclaimed   bool          `json:"hostReclaimed"`
	Note            string        `json:"note,omitempty"`
	HeapBeforeBytes uint64        `json:"heapBeforeBytes"`
	HeapAfterBytes  uint64        `json:"heapAfterBytes"`
}

// Remediated reports whether heap use dropped by at least margin
func (r ReclamationResult) Remediated(margin float64) bool {
	if r.HeapBeforeBytes == 0 {
		return false
	}
	return float64(r.HeapAfterBytes) <= float64(r.HeapBeforeBytes)*(1-margin)
}

// RegisterTrimmer adds a buffer that OptimizeMemoryUsage and buffer
// compaction will trim
func (o *Optimizer) RegisterTrimmer(name string, t Trimmer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trimmers = append(o.trimmers, namedTrimmer{name: name, Trimmer: t})
}

type namedTrimmer struct {
	name string
	Trimmer
}

// trimAll trims every registered buffer, absorbing panics
func (o *Optimizer) trimAll() int {
	o.mu.Lock()
	trimmers := append([]namedTrimmer(nil), o.trimmers...)
	o.mu.Unlock()

	total := 0
	for _, t := range trimmers {
		total += o.trimOne(t)
	}
	return total
}

func (o *Optimizer) trimOne(t namedTrimmer) (n int) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Trimmer panicked", zap.String("buffer", t.name), zap.Any("panic", r))
			n = 0
		}
	}()
	n = t.Trim()
	if n > 0 {
		o.logger.Debug("Buffer trimmed", zap.String("buffer", t.name), zap.Int("released", n))
	}
	return n
}

// OptimizeMemoryUsage trims every registered buffer and asks the host to
// reclaim memory when that capability is present. It always succeeds.
func (o *Optimizer) OptimizeMemoryUsage() ReclamationResult {
	o.reclaimMu.Lock()
	defer o.reclaimMu.Unlock()

	start := o.clock()
	began := time.Now()
	result := ReclamationResult{
		At:              start,
		HeapBeforeBytes: o.heap(),
	}

	result.TrimmedEntries = o.trimAll()

	if o.reclaimer != nil {
		o.reclaimer.Reclaim()
		result.HostReclaimed = true
	} else {
		result.Note = ErrReclamationUnsupported.Error()
	}

	result.HeapAfterBytes = o.heap()
	result.Duration = time.Since(began)

	o.mu.Lock()
	o.lastReclamation = &result
	o.reclamations++
	o.mu.Unlock()

	o.logger.Info("Memory optimization completed",
		zap.Int("trimmed_entries", result.TrimmedEntries),
		zap.Bool("host_reclaimed", result.HostReclaimed),
		zap.Uint64("heap_before_bytes", result.HeapBeforeBytes),
		zap.Uint64("heap_after_bytes", result.HeapAfterBytes),
		zap.Duration("duration", result.Duration))
	return result
}
