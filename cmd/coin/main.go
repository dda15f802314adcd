// Command coin serves scale calibration from the reference coin in a photo.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/calibration"
	"github.com/example/grain-size/internal/config"
	"github.com/example/grain-size/internal/handlers"
	"github.com/example/grain-size/internal/inference"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/server"
)

func main() {
	logger, err := logging.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadAnalyzer("6080")
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	model, err := inference.NewSegmentationClient(inference.Options{
		BaseURL: cfg.ModelURL,
		Timeout: cfg.ModelTimeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create segmentation client", zap.Error(err))
	}
	stage := calibration.NewStage(model, calibration.NewCalibrator(cfg.CoinDiameterMM), logger)

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterCoinRoutes(r, stage, logger)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	logger.Info("coin service listening",
		zap.String("addr", addr),
		zap.Float64("coin_diameter_mm", cfg.CoinDiameterMM),
	)
	if err := server.Serve(srv, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
