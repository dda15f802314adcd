package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/grain-size/internal/logging"
)

// Attempt outcomes recorded in the run ledger.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobAttempt is one pipeline run for a job, successful or not.
type JobAttempt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID      string    `gorm:"column:job_id;index;size:128"`
	Status     string    `gorm:"column:status;index;size:16"`
	Stage      string    `gorm:"column:stage;size:32"`
	Reason     string    `gorm:"column:reason;type:text"`
	DurationMs int64     `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (JobAttempt) TableName() string {
	return "job_attempts"
}

// BeforeCreate assigns a primary key when the caller did not.
func (a *JobAttempt) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// JobRepository persists the run ledger.
type JobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewJobRepository creates a new repository instance.
func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRepository{
		db:             db,
		logger:         logger.Named("job_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *JobRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&JobAttempt{})
}

// RecordAttempt appends an attempt to the ledger.
func (r *JobRepository) RecordAttempt(ctx context.Context, attempt *JobAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.record_attempt", attempt.JobID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// LatestAttempt returns the most recent attempt for a job.
func (r *JobRepository) LatestAttempt(ctx context.Context, jobID string) (*JobAttempt, error) {
	var attempt JobAttempt
	err := r.executeWithRetry(ctx, "repository.latest_attempt", jobID, func() error {
		return r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at DESC").First(&attempt).Error
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// CountByStatus returns the number of attempts per status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.executeWithRetry(ctx, "repository.count_by_status", "", func() error {
		return r.db.WithContext(ctx).
			Model(&JobAttempt{}).
			Select("status, count(*) AS count").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *JobRepository) executeWithRetry(ctx context.Context, operation, jobID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithJob(r.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewStageError(operation, jobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewStageError(operation, jobID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
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
	return errors.As(err, &temporary) && temporary.Temporary()
}
