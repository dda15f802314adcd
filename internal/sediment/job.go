package sediment

import (
	"fmt"
	"strings"
)

// JobDescriptor identifies one submitted photo.
type JobDescriptor struct {
	ID       string
	ImageURL string
}

// ParseJob decodes a queue message body of the form "<id>,<imageURL>".
func ParseJob(body string) (JobDescriptor, error) {
	if strings.Count(body, ",") != 1 {
		return JobDescriptor{}, fmt.Errorf("%w: expected exactly one comma in %q", ErrMalformedMessage, body)
	}
	id, url, _ := strings.Cut(body, ",")
	id = strings.TrimSpace(id)
	url = strings.TrimSpace(url)
	if id == "" || url == "" {
		return JobDescriptor{}, fmt.Errorf("%w: id and image url are required", ErrMalformedMessage)
	}
	return JobDescriptor{ID: id, ImageURL: url}, nil
}

// PipelineResult is the terminal artifact handed to persistence.
type PipelineResult struct {
	JobID string           `json:"job_id"`
	Scale ScaleCalibration `json:"scale"`
	Size  SizeEstimate     `json:"size"`
}
