package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/cache"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/repository"
	"github.com/example/grain-size/internal/sediment"
)

type stubCollaborators struct {
	calls        []string
	fetchErr     error
	calibrateErr error
	estimateErr  error
	persistErr   error
	scale        sediment.ScaleCalibration
	size         sediment.SizeEstimate
	estimatedFor sediment.ScaleCalibration
	persisted    []sediment.PipelineResult
}

func newStubCollaborators() *stubCollaborators {
	return &stubCollaborators{
		scale: sediment.ScaleCalibration{MMPerPixel: 0.05, CoinLabel: "₹5", CenterX: 100, CenterY: 200, RadiusPx: 150},
		size:  sediment.SizeEstimate{SizeMM: 1.2, Distribution: sediment.GrainSizeDistribution{"D50": 1.2}},
	}
}

func (s *stubCollaborators) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	s.calls = append(s.calls, "fetch")
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return []byte("image"), nil
}

func (s *stubCollaborators) Calibrate(ctx context.Context, image []byte) (sediment.ScaleCalibration, error) {
	s.calls = append(s.calls, "calibrate")
	return s.scale, s.calibrateErr
}

func (s *stubCollaborators) EstimateSize(ctx context.Context, image []byte, scale sediment.ScaleCalibration) (sediment.SizeEstimate, error) {
	s.calls = append(s.calls, "estimate")
	s.estimatedFor = scale
	return s.size, s.estimateErr
}

func (s *stubCollaborators) Persist(ctx context.Context, result sediment.PipelineResult) error {
	s.calls = append(s.calls, "persist")
	if s.persistErr != nil {
		return s.persistErr
	}
	s.persisted = append(s.persisted, result)
	return nil
}

type memoryCache struct {
	entries map[string]sediment.PipelineResult
	getErr  error
}

func (m *memoryCache) Get(ctx context.Context, jobID string) (*sediment.PipelineResult, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	result, ok := m.entries[jobID]
	if !ok {
		return nil, cache.ErrMiss
	}
	return &result, nil
}

func (m *memoryCache) Put(ctx context.Context, result sediment.PipelineResult) error {
	if m.entries == nil {
		m.entries = map[string]sediment.PipelineResult{}
	}
	m.entries[result.JobID] = result
	return nil
}

type memoryLedger struct {
	attempts []*repository.JobAttempt
}

func (m *memoryLedger) RecordAttempt(ctx context.Context, attempt *repository.JobAttempt) error {
	m.attempts = append(m.attempts, attempt)
	return nil
}

var job = sediment.JobDescriptor{ID: "job42", ImageURL: "http://x/img.jpg"}

func recordStates(o *Orchestrator) *[]State {
	states := &[]State{}
	o.observe = func(_ string, _, to State) { *states = append(*states, to) }
	return states
}

func TestRunSuccess(t *testing.T) {
	collab := newStubCollaborators()
	reg := metrics.NewRegistry()
	ledger := &memoryLedger{}
	o := NewOrchestrator(collab, Options{Metrics: reg, Ledger: ledger, Logger: zap.NewNop()})
	states := recordStates(o)

	result, err := o.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.JobID != "job42" || result.Scale != collab.scale || result.Size.SizeMM != 1.2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if collab.estimatedFor != collab.scale {
		t.Fatalf("estimation must receive the calibrated scale, got %+v", collab.estimatedFor)
	}
	if want := []string{"fetch", "calibrate", "estimate", "persist"}; !reflect.DeepEqual(collab.calls, want) {
		t.Fatalf("unexpected call order: %v", collab.calls)
	}
	if want := []State{StateCalibrating, StateEstimating, StatePersisting, StateDone}; !reflect.DeepEqual(*states, want) {
		t.Fatalf("unexpected transitions: %v", *states)
	}
	if reg.Get(metrics.JobsSucceeded) != 1 {
		t.Fatalf("expected success counter 1, got %d", reg.Get(metrics.JobsSucceeded))
	}
	if len(ledger.attempts) != 1 || ledger.attempts[0].Status != repository.StatusSucceeded {
		t.Fatalf("unexpected ledger: %+v", ledger.attempts)
	}
}

func TestRunCalibrationFailureSkipsRemainingStages(t *testing.T) {
	collab := newStubCollaborators()
	collab.calibrateErr = sediment.ErrNoCoinDetected
	reg := metrics.NewRegistry()
	ledger := &memoryLedger{}
	o := NewOrchestrator(collab, Options{Metrics: reg, Ledger: ledger})
	states := recordStates(o)

	_, err := o.Run(context.Background(), job)
	if !errors.Is(err, sediment.ErrNoCoinDetected) {
		t.Fatalf("expected ErrNoCoinDetected, got %v", err)
	}
	var stageErr *logging.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "calibrating" || stageErr.JobID != "job42" {
		t.Fatalf("unexpected stage error: %+v", stageErr)
	}
	if want := []string{"fetch", "calibrate"}; !reflect.DeepEqual(collab.calls, want) {
		t.Fatalf("stages after a failure must not run, got %v", collab.calls)
	}
	if want := []State{StateCalibrating, StateFailed}; !reflect.DeepEqual(*states, want) {
		t.Fatalf("unexpected transitions: %v", *states)
	}
	if reg.Get(metrics.JobsFailed) != 1 || reg.Get("jobs_failed_stage_calibrating") != 1 {
		t.Fatalf("unexpected failure counters: %v", reg.Snapshot())
	}
	if len(ledger.attempts) != 1 || ledger.attempts[0].Stage != "calibrating" || ledger.attempts[0].Status != repository.StatusFailed {
		t.Fatalf("unexpected ledger: %+v", ledger.attempts[0])
	}
}

func TestRunRejectsInvalidScale(t *testing.T) {
	collab := newStubCollaborators()
	collab.scale.MMPerPixel = 0
	o := NewOrchestrator(collab, Options{})

	_, err := o.Run(context.Background(), job)
	if !errors.Is(err, sediment.ErrInvalidScale) {
		t.Fatalf("expected ErrInvalidScale, got %v", err)
	}
	if len(collab.persisted) != 0 {
		t.Fatal("invalid scale must not be persisted")
	}
}

func TestRunEstimationFailure(t *testing.T) {
	collab := newStubCollaborators()
	collab.estimateErr = sediment.ErrNoTilesAvailable
	o := NewOrchestrator(collab, Options{})

	_, err := o.Run(context.Background(), job)
	var stageErr *logging.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "estimating" {
		t.Fatalf("expected estimating stage error, got %v", err)
	}
	if !sediment.Retryable(err) {
		t.Fatal("estimation failures stay on the queue")
	}
}

func TestRunPersistenceFailureIsRetryable(t *testing.T) {
	collab := newStubCollaborators()
	collab.persistErr = errors.New("database down")
	o := NewOrchestrator(collab, Options{})

	_, err := o.Run(context.Background(), job)
	if !errors.Is(err, sediment.ErrPersistenceFailure) || !sediment.Retryable(err) {
		t.Fatalf("expected retryable persistence failure, got %v", err)
	}
}

func TestRunReusesCachedResultAfterPersistenceFailure(t *testing.T) {
	collab := newStubCollaborators()
	collab.persistErr = errors.New("database down")
	rc := &memoryCache{}
	reg := metrics.NewRegistry()
	o := NewOrchestrator(collab, Options{Cache: rc, Metrics: reg})

	if _, err := o.Run(context.Background(), job); err == nil {
		t.Fatal("expected persistence failure on first run")
	}
	if _, ok := rc.entries["job42"]; !ok {
		t.Fatal("result must be cached before persistence")
	}

	collab.persistErr = nil
	collab.calls = nil
	result, err := o.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("redelivery error: %v", err)
	}
	if want := []string{"persist"}; !reflect.DeepEqual(collab.calls, want) {
		t.Fatalf("cached job must skip computation, got %v", collab.calls)
	}
	if result.Size.SizeMM != 1.2 || reg.Get(metrics.CacheHits) != 1 {
		t.Fatalf("unexpected cached run: %+v, hits=%d", result, reg.Get(metrics.CacheHits))
	}
}

func TestRunCacheErrorFallsBackToComputation(t *testing.T) {
	collab := newStubCollaborators()
	o := NewOrchestrator(collab, Options{Cache: &memoryCache{getErr: errors.New("redis down")}})

	if _, err := o.Run(context.Background(), job); err != nil {
		t.Fatalf("cache failures must not fail the job, got %v", err)
	}
	if len(collab.calls) != 4 {
		t.Fatalf("expected full computation, got %v", collab.calls)
	}
}
