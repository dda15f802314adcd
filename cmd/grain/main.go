// Command grain serves tile-based grain-size estimation.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/config"
	"github.com/example/grain-size/internal/grainsize"
	"github.com/example/grain-size/internal/handlers"
	"github.com/example/grain-size/internal/inference"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/server"
)

func main() {
	logger, err := logging.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadAnalyzer("6081")
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	model, err := inference.NewRegressionClient(inference.Options{
		BaseURL: cfg.ModelURL,
		Timeout: cfg.ModelTimeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create regression client", zap.Error(err))
	}

	reg := metrics.NewRegistry()
	stage := grainsize.NewStage(model, grainsize.Options{
		TileSize:    cfg.TileSize,
		CoinMargin:  cfg.CoinMarginPx,
		Concurrency: cfg.TileConcurrency,
	}, reg, logger)

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterGrainRoutes(r, stage, logger)
	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"counters": reg.Snapshot()})
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	logger.Info("grain service listening",
		zap.String("addr", addr),
		zap.Int("tile_size", cfg.TileSize),
		zap.Int("coin_margin_px", cfg.CoinMarginPx),
	)
	if err := server.Serve(srv, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
