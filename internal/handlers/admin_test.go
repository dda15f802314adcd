package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/grain-size/internal/auth"
	"github.com/example/grain-size/internal/cache"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/repository"
	"github.com/example/grain-size/internal/sediment"
)

type stubResults map[string]sediment.PipelineResult

func (s stubResults) Get(_ context.Context, jobID string) (*sediment.PipelineResult, error) {
	if r, ok := s[jobID]; ok {
		return &r, nil
	}
	return nil, cache.ErrMiss
}

type stubAttempts struct {
	latest map[string]*repository.JobAttempt
	counts map[string]int64
}

func (s *stubAttempts) LatestAttempt(_ context.Context, jobID string) (*repository.JobAttempt, error) {
	if a, ok := s.latest[jobID]; ok {
		return a, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubAttempts) CountByStatus(context.Context) (map[string]int64, error) {
	return s.counts, nil
}

func newAdminRouter(deps AdminDeps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterAdminRoutes(router, deps, auth.AdminMiddleware(testJWTSecret, ""))
	return router
}

func get(router http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestAdminHealth(t *testing.T) {
	ready := true
	router := newAdminRouter(AdminDeps{Ready: func() bool { return ready }})

	if resp := get(router, "/health", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	ready = false
	if resp := get(router, "/health", ""); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while stopping, got %d", resp.Code)
	}
}

func TestAdminMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Inc(metrics.JobsReceived)
	reg.IncFailedStage("estimating")
	router := newAdminRouter(AdminDeps{
		Metrics:  reg,
		Attempts: &stubAttempts{counts: map[string]int64{repository.StatusFailed: 1}},
	})

	resp := get(router, "/metrics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got struct {
		Counters map[string]int64 `json:"counters"`
		Attempts map[string]int64 `json:"attempts"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Counters[metrics.JobsReceived] != 1 || got.Counters["jobs_failed_stage_estimating"] != 1 {
		t.Fatalf("unexpected counters: %v", got.Counters)
	}
	if got.Attempts[repository.StatusFailed] != 1 {
		t.Fatalf("unexpected attempts: %v", got.Attempts)
	}
}

func TestAdminResultRequiresToken(t *testing.T) {
	router := newAdminRouter(AdminDeps{Results: stubResults{}})
	if resp := get(router, "/results/job42", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAdminResultLookup(t *testing.T) {
	results := stubResults{"job42": {JobID: "job42", Scale: sediment.ScaleCalibration{MMPerPixel: 0.05}}}
	attempts := &stubAttempts{latest: map[string]*repository.JobAttempt{
		"job7": {JobID: "job7", Status: repository.StatusFailed, Stage: "calibrating", Reason: "no coin detected", CreatedAt: time.Now()},
	}}
	router := newAdminRouter(AdminDeps{Results: results, Attempts: attempts})
	token := buildTestToken(t, "operator-1")

	resp := get(router, "/results/job42", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got sediment.PipelineResult
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil || got.Scale.MMPerPixel != 0.05 {
		t.Fatalf("unexpected result %+v, err=%v", got, err)
	}

	resp = get(router, "/results/job7", token)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	var miss map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &miss)
	if miss["last_stage"] != "calibrating" {
		t.Fatalf("expected last attempt details, got %v", miss)
	}

	if resp := get(router, "/results/unknown", token); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
