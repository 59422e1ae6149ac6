// Package sysinfo samples host CPU and memory pressure for the autoscaled
// pool's scale-up/scale-down decisions. It is the only OS-dependent package
// in the module, isolated so the pool's control logic stays pure and
// testable against a fake sampler.
package sysinfo

import (
	"runtime"
	"sync"
	"time"
)

// Sample is a single point-in-time pressure reading.
type Sample struct {
	CPUOverloaded    bool
	MemoryOverloaded bool
	Timestamp        time.Time
}

// Sampler produces pressure Samples. The autoscaled pool depends on this
// interface, not on RuntimeSampler directly, so tests can substitute a
// deterministic fake.
type Sampler interface {
	Sample() Sample
}

// RuntimeSampler estimates overload from Go's own scheduler and memory
// stats: CPU pressure from the ratio of all live goroutines to GOMAXPROCS,
// read once per Sample call, memory pressure from heap usage against a
// configured ceiling. It is a coarse proxy deliberately chosen over reading
// cgroup/procfs directly, since those paths vary across container runtimes
// and this module has no business assuming one.
type RuntimeSampler struct {
	mu sync.Mutex

	maxHeapBytes uint64

	// cpuLoadThreshold is the goroutines-per-CPU ratio above
	// which CPU is considered overloaded.
	cpuLoadThreshold float64
}

// NewRuntimeSampler creates a sampler that reports memory overload once
// heap usage exceeds maxHeapBytes, and CPU overload once the number of
// goroutines per CPU exceeds cpuLoadThreshold.
func NewRuntimeSampler(maxHeapBytes uint64, cpuLoadThreshold float64) *RuntimeSampler {
	if cpuLoadThreshold <= 0 {
		cpuLoadThreshold = 8
	}
	return &RuntimeSampler{maxHeapBytes: maxHeapBytes, cpuLoadThreshold: cpuLoadThreshold}
}

// Sample takes one reading.
func (r *RuntimeSampler) Sample() Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cpuRatio := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0))

	return Sample{
		CPUOverloaded:    cpuRatio > r.cpuLoadThreshold,
		MemoryOverloaded: r.maxHeapBytes > 0 && mem.HeapAlloc > r.maxHeapBytes,
		Timestamp:        time.Now(),
	}
}
