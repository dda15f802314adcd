package grainsize

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/grain-size/internal/sediment"
)

// EstimateFunc predicts the percentile vector of one tile.
type EstimateFunc func(ctx context.Context, tile Tile) (sediment.PercentileVector, error)

// AggregateStats reports how many tiles were attempted and how many failed.
type AggregateStats struct {
	Tiles  int
	Failed int
}

type tileResult struct {
	vec sediment.PercentileVector
	ok  bool
}

// Aggregate runs estimate over every tile, at most concurrency at a time,
// and returns the per-percentile median of the successful predictions.
// Failed tiles are logged and left out of the median.
func Aggregate(ctx context.Context, tiles []Tile, estimate EstimateFunc, concurrency int, logger *zap.Logger) (sediment.PercentileVector, AggregateStats, error) {
	stats := AggregateStats{Tiles: len(tiles)}
	if len(tiles) == 0 {
		return sediment.PercentileVector{}, stats, sediment.ErrNoPredictions
	}
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]tileResult, len(tiles))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, tile := range tiles {
		i, tile := i, tile
		g.Go(func() error {
			vec, err := estimate(ctx, tile)
			if err == nil {
				err = vec.Validate()
			}
			if err != nil {
				logger.Warn("tile estimation failed",
					zap.Int("tile_x", tile.X),
					zap.Int("tile_y", tile.Y),
					zap.Error(err),
				)
				return nil
			}
			results[i] = tileResult{vec: vec, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	vectors := make([]sediment.PercentileVector, 0, len(results))
	for _, r := range results {
		if r.ok {
			vectors = append(vectors, r.vec)
		}
	}
	stats.Failed = len(tiles) - len(vectors)

	if err := ctx.Err(); err != nil {
		return sediment.PercentileVector{}, stats, err
	}
	if len(vectors) == 0 {
		return sediment.PercentileVector{}, stats, fmt.Errorf("%w: all %d tiles failed", sediment.ErrEstimationFailed, len(tiles))
	}
	return ColumnMedian(vectors), stats, nil
}

// ColumnMedian computes the median of each percentile column. Even counts
// average the two middle values.
func ColumnMedian(vectors []sediment.PercentileVector) sediment.PercentileVector {
	var out sediment.PercentileVector
	if len(vectors) == 0 {
		return out
	}
	column := make([]float64, len(vectors))
	for j := range out {
		for i, v := range vectors {
			column[i] = v[j]
		}
		sort.Float64s(column)
		mid := len(column) / 2
		if len(column)%2 == 1 {
			out[j] = column[mid]
		} else {
			out[j] = (column[mid-1] + column[mid]) / 2
		}
	}
	return out
}
