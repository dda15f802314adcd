package metrics

import (
	"sync"
	"testing"
)

func TestRegistryConcurrentIncrements(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc(TilesEstimated)
		}()
	}
	wg.Wait()
	if got := r.Get(TilesEstimated); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestRegistryFailedStage(t *testing.T) {
	r := NewRegistry()
	r.IncFailedStage("calibrating")
	snap := r.Snapshot()
	if snap[JobsFailed] != 1 || snap["jobs_failed_stage_calibrating"] != 1 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
	if names := r.Names(); len(names) != 2 || names[0] != JobsFailed {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	r.Inc(JobsReceived)
	if r.Get(JobsReceived) != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("nil registry should discard updates")
	}
}
