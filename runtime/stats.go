package runtime

import (
	"sync"
	"time"
)

// Stats tracks dispatch activity of a device session.
type Stats struct {
	Dispatches     int64
	CacheHits      int64
	CacheMisses    int64
	LastDuration   time.Duration
	AverageLatency time.Duration
	KernelLaunches map[string]int64 // by kernel source
}

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) recordDispatch(l *Launch, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stats.KernelLaunches == nil {
		r.stats.KernelLaunches = make(map[string]int64)
	}
	for _, c := range l.Cores {
		for _, k := range c.Kernels {
			r.stats.KernelLaunches[k.Image.Source()]++
		}
	}

	r.stats.Dispatches++
	r.stats.LastDuration = d
	if r.stats.Dispatches == 1 {
		r.stats.AverageLatency = d
	} else {
		prev := r.stats.Dispatches - 1
		r.stats.AverageLatency = time.Duration((int64(r.stats.AverageLatency)*prev + int64(d)) / r.stats.Dispatches)
	}
}

func (r *statsRecorder) recordLookup(hit bool) {
	r.mu.Lock()
	if hit {
		r.stats.CacheHits++
	} else {
		r.stats.CacheMisses++
	}
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Return a copy to avoid races
	s := r.stats
	s.KernelLaunches = make(map[string]int64, len(r.stats.KernelLaunches))
	for k, v := range r.stats.KernelLaunches {
		s.KernelLaunches[k] = v
	}
	return s
}
