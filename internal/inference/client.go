// Package inference talks to the model server hosting the coin segmentation
// and grain-size regression networks.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/photo"
	"github.com/example/grain-size/internal/sediment"
)

// Options configures a model client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

type client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

func newClient(opts Options, name string) (*client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("inference: model base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &client{httpClient: httpClient, baseURL: base, logger: logger.Named(name)}, nil
}

// Ready checks the model server health endpoint.
func (c *client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sediment.ErrModelNotReady, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned http %d", sediment.ErrModelNotReady, resp.StatusCode)
	}
	return nil
}

func (c *client) postImage(ctx context.Context, path string, img image.Image, out any) error {
	body, err := photo.EncodePNG(img)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: model server returned http 503", sediment.ErrModelNotReady)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	return nil
}

// SegmentationClient calls the coin segmentation model.
type SegmentationClient struct {
	*client
}

// NewSegmentationClient constructs a coin segmentation client.
func NewSegmentationClient(opts Options) (*SegmentationClient, error) {
	c, err := newClient(opts, "segmentation_client")
	if err != nil {
		return nil, err
	}
	return &SegmentationClient{client: c}, nil
}

type segmentResponse struct {
	Detections []struct {
		ClassIndex int          `json:"class_index"`
		Confidence float64      `json:"confidence"`
		Polygon    [][2]float64 `json:"polygon"`
	} `json:"detections"`
}

// Segment returns every coin mask outline found in img.
func (c *SegmentationClient) Segment(ctx context.Context, img image.Image) ([]sediment.Detection, error) {
	var out segmentResponse
	if err := c.postImage(ctx, "/segment", img, &out); err != nil {
		c.logger.Error("segmentation call failed", zap.Error(err))
		return nil, err
	}
	detections := make([]sediment.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		points := make([]sediment.Point, len(d.Polygon))
		for i, p := range d.Polygon {
			points[i] = sediment.Point{X: p[0], Y: p[1]}
		}
		detections = append(detections, sediment.Detection{
			ClassIndex: d.ClassIndex,
			Confidence: d.Confidence,
			Outline:    points,
		})
	}
	return detections, nil
}

// RegressionClient calls the grain-size regression model.
type RegressionClient struct {
	*client
}

// NewRegressionClient constructs a grain-size regression client.
func NewRegressionClient(opts Options) (*RegressionClient, error) {
	c, err := newClient(opts, "regression_client")
	if err != nil {
		return nil, err
	}
	return &RegressionClient{client: c}, nil
}

type predictResponse struct {
	Percentiles []float64 `json:"percentiles"`
}

// Predict returns the nine grain-size percentiles of one tile, in pixels.
func (c *RegressionClient) Predict(ctx context.Context, tile image.Image) (sediment.PercentileVector, error) {
	var out predictResponse
	if err := c.postImage(ctx, "/predict", tile, &out); err != nil {
		return sediment.PercentileVector{}, err
	}
	var vec sediment.PercentileVector
	if len(out.Percentiles) != len(vec) {
		return vec, fmt.Errorf("inference: expected %d percentiles, got %d", len(vec), len(out.Percentiles))
	}
	copy(vec[:], out.Percentiles)
	return vec, nil
}
