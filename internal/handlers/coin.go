package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/sediment"
)

// CoinCalibrator measures the scale of a photo from its reference coin.
type CoinCalibrator interface {
	Ready(ctx context.Context) error
	Calibrate(ctx context.Context, imageBytes []byte) (sediment.ScaleCalibration, error)
}

// RegisterCoinRoutes wires the scale calibration service.
func RegisterCoinRoutes(router *gin.Engine, stage CoinCalibrator, logger *zap.Logger) {
	logger = logger.Named("coin_handler")

	router.GET("/", healthHandler(stage.Ready))

	router.POST("/predict", func(c *gin.Context) {
		data, err := readImage(c)
		if err != nil {
			return
		}

		scale, err := stage.Calibrate(c.Request.Context(), data)
		if err != nil {
			status := coinStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("calibration failed", zap.Error(err))
			} else {
				logger.Info("calibration rejected", zap.Error(err))
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, scale)
	})
}

func coinStatus(err error) int {
	switch {
	case errors.Is(err, sediment.ErrNoCoinDetected),
		errors.Is(err, sediment.ErrInsufficientGeometry),
		errors.Is(err, sediment.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, sediment.ErrModelNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func healthHandler(ready func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "model not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}
