package inference

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/grain-size/internal/sediment"
)

func TestSegmentationClientSegment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/segment" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "image/png" {
			t.Fatalf("unexpected content type: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{{
				"class_index": 2,
				"confidence":  0.87,
				"polygon":     [][2]float64{{1, 2}, {3, 4}, {5, 6}},
			}},
		})
	}))
	defer ts.Close()

	client, err := NewSegmentationClient(Options{BaseURL: ts.URL + "/"})
	if err != nil {
		t.Fatalf("NewSegmentationClient error: %v", err)
	}
	got, err := client.Segment(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("Segment error: %v", err)
	}
	if len(got) != 1 || got[0].ClassIndex != 2 || got[0].Confidence != 0.87 {
		t.Fatalf("unexpected detections: %+v", got)
	}
	if len(got[0].Outline) != 3 || got[0].Outline[2] != (sediment.Point{X: 5, Y: 6}) {
		t.Fatalf("unexpected outline: %+v", got[0].Outline)
	}
}

func TestRegressionClientPredict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"percentiles": []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	}))
	defer ts.Close()

	client, err := NewRegressionClient(Options{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewRegressionClient error: %v", err)
	}
	got, err := client.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if got != (sediment.PercentileVector{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Fatalf("unexpected vector: %v", got)
	}
}

func TestRegressionClientRejectsShortVector(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"percentiles": []float64{1, 2}})
	}))
	defer ts.Close()

	client, _ := NewRegressionClient(Options{BaseURL: ts.URL})
	if _, err := client.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4))); err == nil {
		t.Fatal("expected error for short percentile vector")
	}
}

func TestReady(t *testing.T) {
	status := http.StatusServiceUnavailable
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer ts.Close()

	client, _ := NewRegressionClient(Options{BaseURL: ts.URL})
	if err := client.Ready(context.Background()); !errors.Is(err, sediment.ErrModelNotReady) {
		t.Fatalf("expected ErrModelNotReady, got %v", err)
	}
	status = http.StatusOK
	if err := client.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewSegmentationClient(Options{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
