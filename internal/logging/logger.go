package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger. Development mode
// switches to the human readable console encoder.
func NewLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "development" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithJob enriches the logger with the pipeline stage and job identifier.
func WithJob(logger *zap.Logger, stage, jobID string) *zap.Logger {
	fields := []zap.Field{zap.String("stage", stage)}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	return logger.With(fields...)
}
