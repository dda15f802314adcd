package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/grain-size/internal/cache"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/repository"
	"github.com/example/grain-size/internal/sediment"
)

// ResultReader looks up cached pipeline results.
type ResultReader interface {
	Get(ctx context.Context, jobID string) (*sediment.PipelineResult, error)
}

// AttemptReader reads the run ledger.
type AttemptReader interface {
	LatestAttempt(ctx context.Context, jobID string) (*repository.JobAttempt, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// AdminDeps are the worker internals exposed on the admin router. Results
// and Attempts are optional.
type AdminDeps struct {
	Metrics  *metrics.Registry
	Results  ResultReader
	Attempts AttemptReader
	Ready    func() bool
	Logger   *zap.Logger
}

// RegisterAdminRoutes wires the worker admin endpoints. authMiddleware
// guards the result lookup.
func RegisterAdminRoutes(router *gin.Engine, deps AdminDeps, authMiddleware gin.HandlerFunc) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admin_handler")

	router.GET("/health", func(c *gin.Context) {
		if deps.Ready != nil && !deps.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopping"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		body := gin.H{"counters": deps.Metrics.Snapshot()}
		if deps.Attempts != nil {
			counts, err := deps.Attempts.CountByStatus(c.Request.Context())
			if err != nil {
				logger.Warn("failed to count attempts", zap.Error(err))
			} else {
				body["attempts"] = counts
			}
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/results/:id", authMiddleware, func(c *gin.Context) {
		jobID := c.Param("id")
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		if deps.Results != nil {
			result, err := deps.Results.Get(c.Request.Context(), jobID)
			if err == nil {
				c.JSON(http.StatusOK, result)
				return
			}
			if !errors.Is(err, cache.ErrMiss) {
				logger.Warn("result cache lookup failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}

		if deps.Attempts != nil {
			attempt, err := deps.Attempts.LatestAttempt(c.Request.Context(), jobID)
			if err == nil {
				c.JSON(http.StatusNotFound, gin.H{
					"error":        "result not cached",
					"job_id":       jobID,
					"last_status":  attempt.Status,
					"last_stage":   attempt.Stage,
					"last_reason":  attempt.Reason,
					"attempted_at": attempt.CreatedAt,
				})
				return
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logger.Warn("attempt lookup failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}

		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	})
}
