package logging

import "fmt"

// StageError annotates an error with the pipeline stage and job it belongs to.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.JobID != "" {
		return fmt.Sprintf("%s (job_id=%s): %v", e.Stage, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStageError wraps an error with the stage where it occurred.
func NewStageError(stage, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, JobID: jobID, Err: err}
}
