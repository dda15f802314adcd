// Package apiclient calls the collaborators the worker depends on: the image
// host, the coin and grain analysis services and the results database API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/sediment"
)

const (
	maxImageBytes = 64 << 20
	maxErrorBody  = 4 << 10
)

// HTTPError is returned when a collaborator answers with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
	domain     error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned http %d: %s", e.URL, e.StatusCode, e.Body)
}

// Unwrap exposes ErrCollaboratorHTTP plus the domain failure the status maps to.
func (e *HTTPError) Unwrap() []error {
	if e.domain != nil {
		return []error{sediment.ErrCollaboratorHTTP, e.domain}
	}
	return []error{sediment.ErrCollaboratorHTTP}
}

// Options configures the collaborator endpoints.
type Options struct {
	CoinAPI     string
	GrainAPI    string
	DatabaseAPI string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client issues the worker's outbound calls. Every call is bounded by Timeout.
type Client struct {
	httpClient  *http.Client
	coinAPI     string
	grainAPI    string
	databaseAPI string
	timeout     time.Duration
	logger      *zap.Logger
}

// New constructs a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient:  httpClient,
		coinAPI:     opts.CoinAPI,
		grainAPI:    opts.GrainAPI,
		databaseAPI: opts.DatabaseAPI,
		timeout:     timeout,
		logger:      logger.Named("apiclient"),
	}
}

// FetchImage downloads the photo referenced by a job.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sediment.ErrMalformedMessage, err)
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read image: %v", sediment.ErrCollaboratorUnavailable, err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", sediment.ErrInvalidImage, maxImageBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image body", sediment.ErrInvalidImage)
	}
	return data, nil
}

// Calibrate posts the image to the coin service.
func (c *Client) Calibrate(ctx context.Context, image []byte) (sediment.ScaleCalibration, error) {
	var scale sediment.ScaleCalibration
	body, contentType, err := multipartBody(nil, image)
	if err != nil {
		return scale, err
	}
	if err := c.post(ctx, c.coinAPI, contentType, body, coinStatuses, &scale); err != nil {
		return scale, err
	}
	return scale, nil
}

// EstimateSize posts the image and its scale to the grain service.
func (c *Client) EstimateSize(ctx context.Context, image []byte, scale sediment.ScaleCalibration) (sediment.SizeEstimate, error) {
	var estimate sediment.SizeEstimate
	fields := [][2]string{
		{"coin_center_x", strconv.Itoa(scale.CenterX)},
		{"coin_center_y", strconv.Itoa(scale.CenterY)},
		{"coin_radius_px", strconv.Itoa(scale.RadiusPx)},
		{"mm_per_pixel", formatFloat(scale.MMPerPixel)},
	}
	body, contentType, err := multipartBody(fields, image)
	if err != nil {
		return estimate, err
	}
	if err := c.post(ctx, c.grainAPI, contentType, body, grainStatuses, &estimate); err != nil {
		return estimate, err
	}
	return estimate, nil
}

// persistedPercentiles lists the distribution fields the database API accepts.
var persistedPercentiles = []string{"D10", "D16", "D25", "D50", "D65", "D75", "D90", "D50mean"}

// Persist posts the combined result to the database API. The response body is
// ignored.
func (c *Client) Persist(ctx context.Context, result sediment.PipelineResult) error {
	form := url.Values{}
	form.Set("id", result.JobID)
	form.Set("scale", formatFloat(result.Scale.MMPerPixel))
	form.Set("size", formatFloat(result.Size.SizeMM))
	for _, label := range persistedPercentiles {
		value := ""
		if v, ok := result.Size.Distribution[label]; ok {
			value = formatFloat(v)
		}
		form.Set(label, value)
	}

	err := c.post(ctx, c.databaseAPI, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", sediment.ErrPersistenceFailure, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, target, contentType string, body io.Reader, statuses statusMap, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req, statuses)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", sediment.ErrCollaboratorHTTP, target, err)
	}
	return nil
}

// do sends req and converts transport failures and non-2xx answers into the
// collaborator error taxonomy.
func (c *Client) do(req *http.Request, statuses statusMap) (*http.Response, error) {
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("collaborator unreachable",
			zap.String("url", req.URL.Redacted()),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", sediment.ErrCollaboratorUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &HTTPError{
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
			domain:     statuses[resp.StatusCode],
		}
		c.logger.Warn("collaborator returned error status",
			zap.String("url", httpErr.URL),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(started)),
		)
		return nil, httpErr
	}
	return resp, nil
}

// statusMap translates collaborator status codes into domain failures.
type statusMap map[int]error

var (
	coinStatuses = statusMap{
		http.StatusBadRequest:         sediment.ErrNoCoinDetected,
		http.StatusServiceUnavailable: sediment.ErrModelNotReady,
	}
	grainStatuses = statusMap{
		http.StatusBadRequest:          sediment.ErrInvalidScale,
		http.StatusUnprocessableEntity: sediment.ErrNoTilesAvailable,
		http.StatusServiceUnavailable:  sediment.ErrModelNotReady,
		http.StatusInternalServerError: sediment.ErrEstimationFailed,
	}
)

func multipartBody(fields [][2]string, image []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := writer.CreateFormFile("image", "image")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
