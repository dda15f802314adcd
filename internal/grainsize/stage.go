// Package grainsize estimates a grain-size distribution from sand tiles.
package grainsize

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/photo"
	"github.com/example/grain-size/internal/sediment"
)

// Regressor is the per-tile grain-size model.
type Regressor interface {
	Predict(ctx context.Context, tile image.Image) (sediment.PercentileVector, error)
	Ready(ctx context.Context) error
}

// Options tunes tiling and parallelism.
type Options struct {
	TileSize    int
	CoinMargin  int
	Concurrency int
}

// DefaultOptions mirrors the tiling used to train the regression model.
func DefaultOptions() Options {
	return Options{TileSize: DefaultTileSize, CoinMargin: DefaultCoinMargin, Concurrency: 4}
}

// Stage tiles a photo, runs the regression model and scales the result.
type Stage struct {
	model   Regressor
	opts    Options
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewStage constructs a grain-size stage.
func NewStage(model Regressor, opts Options, registry *metrics.Registry, logger *zap.Logger) *Stage {
	if opts.TileSize <= 0 {
		opts.TileSize = DefaultTileSize
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Stage{
		model:   model,
		opts:    opts,
		metrics: registry,
		logger:  logger.Named("grainsize_stage"),
	}
}

// Ready reports whether the regression model can serve requests.
func (s *Stage) Ready(ctx context.Context) error {
	if err := s.model.Ready(ctx); err != nil {
		return fmt.Errorf("%w: %v", sediment.ErrModelNotReady, err)
	}
	return nil
}

// EstimateSize returns the grain-size distribution in millimetres. coin may
// be nil, in which case the whole image is tiled.
func (s *Stage) EstimateSize(ctx context.Context, imageBytes []byte, coin *sediment.ScaleCalibration, mmPerPixel float64) (sediment.SizeEstimate, error) {
	if !(mmPerPixel > 0) {
		return sediment.SizeEstimate{}, fmt.Errorf("%w: mm_per_pixel must be positive, got %v", sediment.ErrInvalidScale, mmPerPixel)
	}
	if err := s.Ready(ctx); err != nil {
		return sediment.SizeEstimate{}, err
	}

	img, err := photo.Decode(imageBytes)
	if err != nil {
		return sediment.SizeEstimate{}, err
	}

	var exclusion *Exclusion
	if coin != nil {
		exclusion = &Exclusion{
			CenterX: coin.CenterX,
			CenterY: coin.CenterY,
			Radius:  coin.RadiusPx,
			Margin:  s.opts.CoinMargin,
		}
	}
	bounds := img.Bounds()
	tiles := SampleTiles(bounds.Dy(), bounds.Dx(), s.opts.TileSize, exclusion)
	s.logger.Info("tiled image for analysis",
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
		zap.Int("tiles", len(tiles)),
		zap.Bool("coin_excluded", exclusion != nil),
	)
	if len(tiles) == 0 {
		return sediment.SizeEstimate{}, sediment.ErrNoTilesAvailable
	}

	estimate := func(ctx context.Context, tile Tile) (sediment.PercentileVector, error) {
		return s.model.Predict(ctx, photo.Crop(img, tile.Rect()))
	}
	vec, stats, err := Aggregate(ctx, tiles, estimate, s.opts.Concurrency, s.logger)
	s.metrics.Add(metrics.TilesEstimated, int64(stats.Tiles-stats.Failed))
	s.metrics.Add(metrics.TilesFailed, int64(stats.Failed))
	if err != nil {
		if errors.Is(err, sediment.ErrNoPredictions) {
			return sediment.SizeEstimate{}, fmt.Errorf("%w: %v", sediment.ErrNoTilesAvailable, err)
		}
		return sediment.SizeEstimate{}, err
	}
	s.logger.Info("aggregated tile predictions",
		zap.Float64s("percentiles_px", vec[:]),
		zap.Int("failed_tiles", stats.Failed),
	)

	return sediment.ScaleVector(vec, mmPerPixel)
}
