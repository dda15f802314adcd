package sediment

import "errors"

var (
	ErrMalformedMessage        = errors.New("malformed message")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrCollaboratorHTTP        = errors.New("collaborator http error")
	ErrModelNotReady           = errors.New("model not ready")
	ErrInvalidImage            = errors.New("invalid image")
	ErrNoCoinDetected          = errors.New("no coin detected")
	ErrInsufficientGeometry    = errors.New("insufficient geometry")
	ErrCalibration             = errors.New("calibration error")
	ErrNoTilesAvailable        = errors.New("no tiles available")
	ErrNoPredictions           = errors.New("no predictions")
	ErrEstimationFailed        = errors.New("estimation failed")
	ErrInvalidScale            = errors.New("invalid scale")
	ErrPersistenceFailure      = errors.New("persistence failure")
)

// Retryable reports whether a failed job should stay on the queue for
// redelivery. Only malformed messages are dropped; they can never succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrMalformedMessage)
}
