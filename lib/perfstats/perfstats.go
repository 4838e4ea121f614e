// Package perfstats collects low-overhead per-thread performance counters.
// Each worker owns a Stats structure it bumps without synchronization;
// structures are registered once in a process-wide list under a spin lock
// and summed on demand. Aggregation is not atomic across counters — totals
// are approximate while workers run, which is fine for monitoring.
package perfstats

import (
	"runtime"
	"sync/atomic"
)

// Stats holds the counters of one worker (or of an aggregation).
// The cleaner/compactor fields are hooks; nothing in this module feeds
// them yet.
type Stats struct {
	ReadCount         uint64
	WriteCount        uint64
	RemoveCount       uint64
	WorkerActiveNs    uint64
	RecoveredSegments uint64
	RecoveredBytes    uint64

	CompactorInputBytes uint64
	CompactorBytesFreed uint64
	CleanerInputBytes   uint64
	CleanerBytesFreed   uint64
}

// spinLock guards the registration list. Registrations are rare and
// collection is infrequent, so spinning beats a mutex here.
type spinLock struct {
	held atomic.Int32
}

func (l *spinLock) lock() {
	for !l.held.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	l.held.Store(0)
}

var (
	mu         spinLock
	registered []*Stats
)

// Register makes a Stats structure known to Collect. Idempotent.
func Register(s *Stats) {
	mu.lock()
	defer mu.unlock()
	for _, r := range registered {
		if r == s {
			return
		}
	}
	*s = Stats{}
	registered = append(registered, s)
}

// Collect sums every registered structure into total, overwriting it.
func Collect(total *Stats) {
	mu.lock()
	defer mu.unlock()
	*total = Stats{}
	for _, s := range registered {
		total.ReadCount += s.ReadCount
		total.WriteCount += s.WriteCount
		total.RemoveCount += s.RemoveCount
		total.WorkerActiveNs += s.WorkerActiveNs
		total.RecoveredSegments += s.RecoveredSegments
		total.RecoveredBytes += s.RecoveredBytes
		total.CompactorInputBytes += s.CompactorInputBytes
		total.CompactorBytesFreed += s.CompactorBytesFreed
		total.CleanerInputBytes += s.CleanerInputBytes
		total.CleanerBytesFreed += s.CleanerBytesFreed
	}
}

// reset is used by tests to clear the process-wide list.
func reset() {
	mu.lock()
	defer mu.unlock()
	registered = nil
}
