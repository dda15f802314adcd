package calibration

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/photo"
	"github.com/example/grain-size/internal/sediment"
)

// Segmenter is the coin segmentation model.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) ([]sediment.Detection, error)
	Ready(ctx context.Context) error
}

// Stage runs coin segmentation followed by geometric calibration.
type Stage struct {
	model      Segmenter
	calibrator Calibrator
	logger     *zap.Logger
}

// NewStage constructs a calibration stage around a loaded model.
func NewStage(model Segmenter, calibrator Calibrator, logger *zap.Logger) *Stage {
	return &Stage{
		model:      model,
		calibrator: calibrator,
		logger:     logger.Named("calibration_stage"),
	}
}

// Ready reports whether the underlying model can serve requests.
func (s *Stage) Ready(ctx context.Context) error {
	if err := s.model.Ready(ctx); err != nil {
		return fmt.Errorf("%w: %v", sediment.ErrModelNotReady, err)
	}
	return nil
}

// Calibrate decodes the photo, segments the coin and derives the scale.
func (s *Stage) Calibrate(ctx context.Context, imageBytes []byte) (sediment.ScaleCalibration, error) {
	if err := s.Ready(ctx); err != nil {
		s.logger.Error("model not ready for inference", zap.Error(err))
		return sediment.ScaleCalibration{}, err
	}

	img, err := photo.Decode(imageBytes)
	if err != nil {
		return sediment.ScaleCalibration{}, err
	}

	detections, err := s.model.Segment(ctx, img)
	if err != nil {
		if errors.Is(err, sediment.ErrModelNotReady) {
			return sediment.ScaleCalibration{}, err
		}
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: segmentation: %v", sediment.ErrCalibration, err)
	}

	best, ok := bestDetection(detections)
	if !ok {
		s.logger.Warn("no coins segmented")
		return sediment.ScaleCalibration{}, sediment.ErrNoCoinDetected
	}

	scale, err := s.calibrator.Calibrate(sediment.CoinOutline{Points: best.Outline, ClassIndex: best.ClassIndex})
	if err != nil {
		s.logger.Warn("coin calibration failed", zap.Error(err), zap.Int("outline_points", len(best.Outline)))
		return sediment.ScaleCalibration{}, err
	}

	s.logger.Info("coin calibrated",
		zap.String("coin_label", scale.CoinLabel),
		zap.Float64("mm_per_pixel", scale.MMPerPixel),
		zap.Int("coin_center_x", scale.CenterX),
		zap.Int("coin_center_y", scale.CenterY),
		zap.Int("coin_radius_px", scale.RadiusPx),
		zap.Float64("confidence", best.Confidence),
	)
	return scale, nil
}

// bestDetection picks the highest-confidence detection; ties keep the
// earliest one.
func bestDetection(detections []sediment.Detection) (sediment.Detection, bool) {
	if len(detections) == 0 {
		return sediment.Detection{}, false
	}
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
