package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/sediment"
)

// GrainEstimator estimates the grain-size distribution of a photo.
type GrainEstimator interface {
	Ready(ctx context.Context) error
	EstimateSize(ctx context.Context, imageBytes []byte, coin *sediment.ScaleCalibration, mmPerPixel float64) (sediment.SizeEstimate, error)
}

// RegisterGrainRoutes wires the grain-size estimation service.
func RegisterGrainRoutes(router *gin.Engine, stage GrainEstimator, logger *zap.Logger) {
	logger = logger.Named("grain_handler")

	router.GET("/", healthHandler(stage.Ready))

	router.POST("/predict", func(c *gin.Context) {
		data, err := readImage(c)
		if err != nil {
			return
		}
		mmPerPixel, err := parseScale(c.PostForm("mm_per_pixel"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		coin, err := parseCoin(c, logger)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if coin != nil {
			coin.MMPerPixel = mmPerPixel
		}

		estimate, err := stage.EstimateSize(c.Request.Context(), data, coin, mmPerPixel)
		if err != nil {
			status := grainStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("grain size estimation failed", zap.Error(err))
			} else {
				logger.Info("grain size estimation rejected", zap.Error(err))
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, estimate)
	})
}

func parseScale(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("mm_per_pixel is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(v > 0) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("mm_per_pixel must be a positive number, got %q", raw)
	}
	return v, nil
}

var coinFields = [3]string{"coin_center_x", "coin_center_y", "coin_radius_px"}

// parseCoin reads the optional coin location. Unless all three fields are
// given the coin is treated as absent. "None" and "null" count as absent.
func parseCoin(c *gin.Context, logger *zap.Logger) (*sediment.ScaleCalibration, error) {
	var values [3]int
	present := 0
	for i, name := range coinFields {
		raw := strings.TrimSpace(c.PostForm(name))
		if raw == "" || strings.EqualFold(raw, "none") || strings.EqualFold(raw, "null") {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s must be a number, got %q", name, raw)
		}
		values[i] = int(math.Round(v))
		present++
	}
	if present < len(coinFields) {
		if present > 0 {
			logger.Debug("incomplete coin location, tiling the whole image", zap.Int("fields_present", present))
		}
		return nil, nil
	}
	if values[2] < 0 {
		return nil, errors.New("coin_radius_px must not be negative")
	}
	return &sediment.ScaleCalibration{CenterX: values[0], CenterY: values[1], RadiusPx: values[2]}, nil
}

func grainStatus(err error) int {
	switch {
	case errors.Is(err, sediment.ErrInvalidScale), errors.Is(err, sediment.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, sediment.ErrNoTilesAvailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sediment.ErrModelNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
