// Package pipeline sequences scale calibration, grain-size estimation and
// persistence for one job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/cache"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/repository"
	"github.com/example/grain-size/internal/sediment"
)

// State is the position of a job in the pipeline.
type State int

const (
	StateReceived State = iota
	StateCalibrating
	StateEstimating
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateCalibrating:
		return "calibrating"
	case StateEstimating:
		return "estimating"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Collaborators are the remote calls a job makes, in order.
type Collaborators interface {
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
	Calibrate(ctx context.Context, image []byte) (sediment.ScaleCalibration, error)
	EstimateSize(ctx context.Context, image []byte, scale sediment.ScaleCalibration) (sediment.SizeEstimate, error)
	Persist(ctx context.Context, result sediment.PipelineResult) error
}

// ResultCache remembers computed results by job id.
type ResultCache interface {
	Get(ctx context.Context, jobID string) (*sediment.PipelineResult, error)
	Put(ctx context.Context, result sediment.PipelineResult) error
}

// Ledger records every run of a job.
type Ledger interface {
	RecordAttempt(ctx context.Context, attempt *repository.JobAttempt) error
}

// Options holds the optional dependencies of an Orchestrator.
type Options struct {
	Cache   ResultCache
	Ledger  Ledger
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// Orchestrator runs jobs through Received -> Calibrating -> Estimating ->
// Persisting -> Done. Any stage failure moves the job to Failed and skips the
// remaining stages. It never retries; redelivery is the broker's job.
type Orchestrator struct {
	collaborators Collaborators
	cache         ResultCache
	ledger        Ledger
	metrics       *metrics.Registry
	logger        *zap.Logger
	now           func() time.Time
	observe       func(jobID string, from, to State)
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(collaborators Collaborators, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		collaborators: collaborators,
		cache:         opts.Cache,
		ledger:        opts.Ledger,
		metrics:       opts.Metrics,
		logger:        logger.Named("pipeline"),
		now:           time.Now,
	}
}

type run struct {
	o       *Orchestrator
	job     sediment.JobDescriptor
	state   State
	started time.Time
	logger  *zap.Logger
}

func (r *run) transition(to State) {
	r.logger.Info("state transition",
		zap.String("from", r.state.String()),
		zap.String("to", to.String()),
	)
	if r.o.observe != nil {
		r.o.observe(r.job.ID, r.state, to)
	}
	r.state = to
}

// fail moves the run to Failed and returns the stage-tagged error.
func (r *run) fail(ctx context.Context, err error) error {
	stage := r.state.String()
	wrapped := logging.NewStageError(stage, r.job.ID, err)
	r.transition(StateFailed)
	r.logger.Error("job failed",
		zap.String("failed_stage", stage),
		zap.String("reason", err.Error()),
		zap.Bool("retryable", sediment.Retryable(err)),
	)
	r.o.metrics.IncFailedStage(stage)
	r.o.record(ctx, r, repository.StatusFailed, stage, err.Error())
	return wrapped
}

// Run executes one job. On success the returned result has been persisted.
func (o *Orchestrator) Run(ctx context.Context, job sediment.JobDescriptor) (sediment.PipelineResult, error) {
	r := &run{
		o:       o,
		job:     job,
		state:   StateReceived,
		started: o.now(),
		logger:  logging.WithJob(o.logger, "pipeline", job.ID),
	}
	r.logger.Info("job received", zap.String("image_url", job.ImageURL))

	result, cached := o.cachedResult(ctx, r)
	if !cached {
		var err error
		result, err = o.compute(ctx, r)
		if err != nil {
			return sediment.PipelineResult{}, err
		}
		if o.cache != nil {
			if err := o.cache.Put(ctx, result); err != nil {
				r.logger.Warn("failed to cache result", zap.Error(err))
			}
		}
	}

	r.transition(StatePersisting)
	if err := o.collaborators.Persist(ctx, result); err != nil {
		if !errors.Is(err, sediment.ErrPersistenceFailure) {
			err = fmt.Errorf("%w: %w", sediment.ErrPersistenceFailure, err)
		}
		return sediment.PipelineResult{}, r.fail(ctx, err)
	}

	r.transition(StateDone)
	o.metrics.Inc(metrics.JobsSucceeded)
	o.record(ctx, r, repository.StatusSucceeded, StateDone.String(), "")
	r.logger.Info("job done",
		zap.Float64("mm_per_pixel", result.Scale.MMPerPixel),
		zap.Float64("size_mm", result.Size.SizeMM),
		zap.Bool("from_cache", cached),
		zap.Duration("elapsed", o.now().Sub(r.started)),
	)
	return result, nil
}

func (o *Orchestrator) compute(ctx context.Context, r *run) (sediment.PipelineResult, error) {
	r.transition(StateCalibrating)
	image, err := o.collaborators.FetchImage(ctx, r.job.ImageURL)
	if err != nil {
		return sediment.PipelineResult{}, r.fail(ctx, err)
	}
	scale, err := o.collaborators.Calibrate(ctx, image)
	if err != nil {
		return sediment.PipelineResult{}, r.fail(ctx, err)
	}
	if err := scale.Validate(); err != nil {
		return sediment.PipelineResult{}, r.fail(ctx, err)
	}
	r.logger.Info("scale calibrated",
		zap.Float64("mm_per_pixel", scale.MMPerPixel),
		zap.String("coin_label", scale.CoinLabel),
	)

	r.transition(StateEstimating)
	size, err := o.collaborators.EstimateSize(ctx, image, scale)
	if err != nil {
		return sediment.PipelineResult{}, r.fail(ctx, err)
	}

	return sediment.PipelineResult{JobID: r.job.ID, Scale: scale, Size: size}, nil
}

func (o *Orchestrator) cachedResult(ctx context.Context, r *run) (sediment.PipelineResult, bool) {
	if o.cache == nil {
		return sediment.PipelineResult{}, false
	}
	cached, err := o.cache.Get(ctx, r.job.ID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("result cache unavailable, recomputing", zap.Error(err))
		}
		return sediment.PipelineResult{}, false
	}
	o.metrics.Inc(metrics.CacheHits)
	r.logger.Info("reusing cached result")
	return *cached, true
}

func (o *Orchestrator) record(ctx context.Context, r *run, status, stage, reason string) {
	if o.ledger == nil {
		return
	}
	attempt := &repository.JobAttempt{
		JobID:      r.job.ID,
		Status:     status,
		Stage:      stage,
		Reason:     reason,
		DurationMs: o.now().Sub(r.started).Milliseconds(),
	}
	if err := o.ledger.RecordAttempt(ctx, attempt); err != nil {
		r.logger.Warn("failed to record attempt", zap.Error(err))
	}
}
