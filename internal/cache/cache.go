// Package cache stores completed pipeline results in Redis so a job whose
// persistence failed is not recomputed on redelivery.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/sediment"
)

// ErrMiss is returned when no result is cached for a job.
var ErrMiss = errors.New("cache miss")

// Cache abstracts the Redis operations used by ResultCache to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Dial connects to the Redis instance at rawURL and verifies it with PING.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse result cache url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to result cache: %w", err)
	}
	return client, nil
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// ResultCache keeps PipelineResults keyed by job id.
type ResultCache struct {
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewResultCache constructs a ResultCache whose entries live for ttl.
func NewResultCache(cache Cache, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("result_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func resultKey(jobID string) string {
	return fmt.Sprintf("result:%s", jobID)
}

// Get returns the cached result for jobID or ErrMiss.
func (c *ResultCache) Get(ctx context.Context, jobID string) (*sediment.PipelineResult, error) {
	var raw string
	err := c.withRedisRetry(ctx, jobID, "cache.get.result", func() error {
		value, err := c.cache.Get(ctx, resultKey(jobID))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var result sediment.PipelineResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		logging.WithJob(c.logger, "cache.get.result", jobID).Warn("failed to decode cached result", zap.Error(err))
		return nil, ErrMiss
	}
	return &result, nil
}

// Put caches result under its job id.
func (c *ResultCache) Put(ctx context.Context, result sediment.PipelineResult) error {
	serialized, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.withRedisRetry(ctx, result.JobID, "cache.set.result", func() error {
		return c.cache.Set(ctx, resultKey(result.JobID), string(serialized), c.ttl)
	})
}

func (c *ResultCache) withRedisRetry(ctx context.Context, jobID, operation string, fn func() error) error {
	if c.retryAttempts <= 1 {
		err := fn()
		return logging.NewStageError(operation, jobID, err)
	}

	backoff := c.initialBackoff
	opLogger := logging.WithJob(c.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewStageError(operation, jobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == c.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewStageError(operation, jobID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewStageError(operation, jobID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
