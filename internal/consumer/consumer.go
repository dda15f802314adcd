// Package consumer runs the queue polling loop that feeds jobs to the
// pipeline.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/grain-size/internal/broker"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/sediment"
)

// Processor runs one job to completion.
type Processor interface {
	Run(ctx context.Context, job sediment.JobDescriptor) (sediment.PipelineResult, error)
}

// Options tunes the polling loop.
type Options struct {
	Lease        time.Duration
	PollInterval time.Duration
	ErrorBackoff time.Duration
	Concurrency  int
}

// Consumer leases messages and hands each parsed job to a Processor. A
// message is deleted only after the job succeeded or when its body can never
// parse.
type Consumer struct {
	broker    broker.Broker
	processor Processor
	opts      Options
	metrics   *metrics.Registry
	logger    *zap.Logger
	sem       *semaphore.Weighted
	inflight  sync.WaitGroup
}

// New constructs a Consumer.
func New(b broker.Broker, processor Processor, opts Options, reg *metrics.Registry, logger *zap.Logger) *Consumer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		broker:    b,
		processor: processor,
		opts:      opts,
		metrics:   reg,
		logger:    logger.Named("consumer"),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs. Jobs are
// not cancelled by ctx; each job is bounded by the lease instead.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("concurrency", c.opts.Concurrency),
		zap.Duration("lease", c.opts.Lease),
	)
	jobCtx := context.WithoutCancel(ctx)

	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			break
		}

		msg, err := c.broker.Receive(ctx, c.opts.Lease)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, broker.ErrNoMessage) {
				sleep(ctx, c.opts.PollInterval)
				continue
			}
			c.metrics.Inc(metrics.BrokerErrors)
			c.logger.Error("receive failed", zap.Error(err), zap.Duration("backoff", c.opts.ErrorBackoff))
			sleep(ctx, c.opts.ErrorBackoff)
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			defer c.sem.Release(1)
			c.handle(jobCtx, msg)
		}()
	}

	c.logger.Info("consumer stopping, waiting for in-flight jobs")
	c.inflight.Wait()
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *broker.Message) {
	logger := c.logger.With(zap.String("message_id", msg.ID), zap.Int64("dequeue_count", msg.DequeueCount))

	defer func() {
		if r := recover(); r != nil {
			c.metrics.Inc(metrics.JobsPanicked)
			logger.Error("job panicked", zap.Error(fmt.Errorf("panic: %v", r)), zap.Stack("stack"))
			c.abandon(ctx, msg, logger)
		}
	}()

	c.metrics.Inc(metrics.JobsReceived)
	job, err := sediment.ParseJob(msg.Body)
	if err != nil {
		c.metrics.Inc(metrics.JobsMalformed)
		logger.Warn("dropping malformed message", zap.String("body", msg.Body), zap.Error(err))
		c.delete(ctx, msg, logger)
		return
	}

	logger = logging.WithJob(logger, "consume", job.ID)
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Lease)
	defer cancel()
	if _, err := c.processor.Run(runCtx, job); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("job outlived its lease", zap.Duration("lease", c.opts.Lease))
		}
		if !sediment.Retryable(err) {
			logger.Warn("dropping job that can never succeed", zap.Error(err))
			c.delete(ctx, msg, logger)
			return
		}
		logger.Warn("job failed, leaving message for redelivery", zap.Error(err))
		c.abandon(ctx, msg, logger)
		return
	}
	c.delete(ctx, msg, logger)
}

func (c *Consumer) delete(ctx context.Context, msg *broker.Message, logger *zap.Logger) {
	err := c.broker.Delete(ctx, msg)
	switch {
	case err == nil:
		logger.Info("message deleted")
	case errors.Is(err, broker.ErrLeaseLost):
		c.metrics.Inc(metrics.LeasesLost)
		logger.Warn("lease lost before delete, message will be redelivered", zap.Error(err))
	default:
		c.metrics.Inc(metrics.BrokerErrors)
		logger.Error("delete failed", zap.Error(err))
	}
}

func (c *Consumer) abandon(ctx context.Context, msg *broker.Message, logger *zap.Logger) {
	if err := c.broker.Abandon(ctx, msg); err != nil {
		c.metrics.Inc(metrics.BrokerErrors)
		logger.Error("abandon failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
