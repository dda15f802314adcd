// Package calibration derives a millimetre-per-pixel scale from a segmented
// reference coin.
package calibration

import (
	"fmt"
	"math"

	"github.com/example/grain-size/internal/sediment"
)

// DefaultCoinDiameterMM is the physical diameter of the reference coin.
const DefaultCoinDiameterMM = 24.26

// Calibrator turns a coin outline into a ScaleCalibration.
type Calibrator struct {
	DiameterMM float64
}

// NewCalibrator returns a Calibrator for a coin of the given diameter.
func NewCalibrator(diameterMM float64) Calibrator {
	return Calibrator{DiameterMM: diameterMM}
}

// Calibrate fits an ellipse to the outline and uses the mean of its axes as
// the coin's pixel diameter.
func (c Calibrator) Calibrate(outline sediment.CoinOutline) (sediment.ScaleCalibration, error) {
	if len(outline.Points) == 0 {
		return sediment.ScaleCalibration{}, sediment.ErrNoCoinDetected
	}
	if len(outline.Points) < MinOutlinePoints {
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: %d outline points, need %d",
			sediment.ErrInsufficientGeometry, len(outline.Points), MinOutlinePoints)
	}
	if !(c.DiameterMM > 0) {
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: coin diameter must be positive", sediment.ErrCalibration)
	}

	ellipse, err := FitEllipse(outline.Points)
	if err != nil {
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: %v", sediment.ErrCalibration, err)
	}
	diameterPx := (ellipse.MajorAxis + ellipse.MinorAxis) / 2
	if !(diameterPx > 0) {
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: degenerate coin diameter", sediment.ErrCalibration)
	}

	scale := sediment.ScaleCalibration{
		MMPerPixel: c.DiameterMM / diameterPx,
		CoinLabel:  sediment.CoinLabel(outline.ClassIndex),
		CenterX:    int(math.Round(ellipse.CenterX)),
		CenterY:    int(math.Round(ellipse.CenterY)),
		RadiusPx:   int(math.Round(diameterPx / 2)),
	}
	if err := scale.Validate(); err != nil {
		return sediment.ScaleCalibration{}, fmt.Errorf("%w: %v", sediment.ErrCalibration, err)
	}
	return scale, nil
}
