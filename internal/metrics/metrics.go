// Package metrics keeps process-local counters exposed on the admin endpoint.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter names shared across the worker and analysis services.
const (
	JobsReceived    = "jobs_received"
	JobsSucceeded   = "jobs_succeeded"
	JobsFailed      = "jobs_failed"
	JobsMalformed   = "jobs_malformed"
	JobsPanicked    = "jobs_panicked"
	CacheHits       = "result_cache_hits"
	TilesEstimated  = "tiles_estimated"
	TilesFailed     = "tiles_failed"
	BrokerErrors    = "broker_errors"
	LeasesLost      = "leases_lost"
	failedStagePref = "jobs_failed_stage_"
)

// Registry is a set of monotonically increasing counters. A nil Registry
// discards every update.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*atomic.Int64)}
}

// Add increments the named counter by delta.
func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			c = new(atomic.Int64)
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(delta)
}

// Inc increments the named counter by one.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// IncFailedStage counts a job failure attributed to stage.
func (r *Registry) IncFailedStage(stage string) {
	r.Inc(JobsFailed)
	r.Inc(failedStagePref + stage)
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

// Names lists known counters in sorted order.
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
