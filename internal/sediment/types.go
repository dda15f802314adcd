package sediment

import (
	"fmt"
	"math"
)

// Point is a pixel coordinate on a segmented outline.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CoinOutline is the boundary polygon of a detected coin plus its class index.
type CoinOutline struct {
	Points     []Point
	ClassIndex int
}

// Detection is one segmented object reported by the coin model.
type Detection struct {
	ClassIndex int     `json:"class_index"`
	Confidence float64 `json:"confidence"`
	Outline    []Point `json:"polygon"`
}

var coinLabels = map[int]string{
	0: "₹1",
	1: "₹2",
	2: "₹5",
	3: "₹10",
}

// CoinLabel maps a detector class index to the coin denomination.
func CoinLabel(classIndex int) string {
	if label, ok := coinLabels[classIndex]; ok {
		return label
	}
	return "unknown"
}

// ScaleCalibration converts pixels to millimetres and locates the coin.
type ScaleCalibration struct {
	MMPerPixel float64 `json:"mm_per_pixel"`
	CoinLabel  string  `json:"coin_label"`
	CenterX    int     `json:"coin_center_x"`
	CenterY    int     `json:"coin_center_y"`
	RadiusPx   int     `json:"coin_radius_px"`
}

// Validate checks mm_per_pixel > 0 and radius >= 0.
func (s ScaleCalibration) Validate() error {
	if !(s.MMPerPixel > 0) || math.IsInf(s.MMPerPixel, 0) {
		return fmt.Errorf("%w: mm_per_pixel must be positive, got %v", ErrInvalidScale, s.MMPerPixel)
	}
	if s.RadiusPx < 0 {
		return fmt.Errorf("%w: negative coin radius %d", ErrCalibration, s.RadiusPx)
	}
	return nil
}

// PercentileCount is the length of every PercentileVector.
const PercentileCount = 9

// PercentileVector holds grain-size percentiles in pixels, ordered
// P10, P16, P25, P50, P50mean, P65, P75, P84, P90.
type PercentileVector [PercentileCount]float64

// Validate rejects negative or non-finite entries.
func (v PercentileVector) Validate() error {
	for i, value := range v {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: percentile %s has invalid value %v", ErrEstimationFailed, PercentileLabels[i], value)
		}
	}
	return nil
}

// PercentileLabels names each PercentileVector column.
var PercentileLabels = [PercentileCount]string{"D10", "D16", "D25", "D50", "D50mean", "D65", "D75", "D84", "D90"}

// medianIndex is the P50 column used as the representative grain size.
const medianIndex = 3

// GrainSizeDistribution maps a percentile label to millimetres.
type GrainSizeDistribution map[string]float64

// SizeEstimate is the grain-size answer for one image.
type SizeEstimate struct {
	SizeMM       float64               `json:"size_mm"`
	Distribution GrainSizeDistribution `json:"distribution_mm"`
}

// ScaleVector converts a pixel percentile vector into millimetres.
func ScaleVector(vec PercentileVector, mmPerPixel float64) (SizeEstimate, error) {
	if !(mmPerPixel > 0) {
		return SizeEstimate{}, fmt.Errorf("%w: mm_per_pixel must be positive, got %v", ErrInvalidScale, mmPerPixel)
	}
	dist := make(GrainSizeDistribution, PercentileCount)
	for i, label := range PercentileLabels {
		dist[label] = vec[i] * mmPerPixel
	}
	return SizeEstimate{
		SizeMM:       vec[medianIndex] * mmPerPixel,
		Distribution: dist,
	}, nil
}
