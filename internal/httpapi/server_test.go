package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/eventstore"
	"github.com/runnerscale/controller/internal/metrics"
	"github.com/runnerscale/controller/internal/model"
)

func newTestServer(t *testing.T) (*Server, *cloudapi.Fake, *config.Config) {
	t.Helper()

	cloud := cloudapi.NewFake(func() time.Time { return time.Unix(0, 0) })
	ci := ciapi.NewFake()
	registry := prometheus.NewRegistry()

	cfg := &config.Config{}
	cfg.Server.HealthPath = "/healthz"
	cfg.Server.ReadinessPath = "/readyz"
	cfg.Server.MetricsPath = "/metrics"
	cfg.CI.Repository = "octo/repo"
	cfg.Scaling.MaxRunners = 5

	store, err := eventstore.New(config.StoreConfig{Enabled: true, MaxEvents: 10})
	if err != nil {
		t.Fatalf("eventstore.New() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, cloud, ci, store, metrics.New(registry), registry, logger)
	return s, cloud, cfg
}

func TestServer_HandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestServer_HandleReadiness_OK(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	s.handleReadiness(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

type failingCloud struct {
	*cloudapi.Fake
}

func (f *failingCloud) ListServers(ctx context.Context) ([]cloudapi.Server, error) {
	return nil, errors.New("cloud unreachable")
}

func TestServer_HandleReadiness_FailsWhenCloudErrors(t *testing.T) {
	s, cloud, cfg := newTestServer(t)
	s.cloud = &failingCloud{Fake: cloud}
	_ = cfg

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	s.handleReadiness(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestServer_HandleServers_ListsControllerServers(t *testing.T) {
	s, cloud, _ := newTestServer(t)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/servers", nil)
	rec := httptest.NewRecorder()

	s.handleServers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}

func TestServer_HandleEvents_NotFoundWhenStoreDisabled(t *testing.T) {
	s, _, cfg := newTestServer(t)
	cfg.Store.Enabled = false

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()

	s.handleEvents(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServer_HandleEvents_ReturnsRecordedEvents(t *testing.T) {
	s, _, cfg := newTestServer(t)
	cfg.Store.Enabled = true
	if err := s.events.Record(model.Event{ID: "a", Kind: model.EventServerReady}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()

	s.handleEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}

func TestServer_AuthMiddleware_RejectsMissingKey(t *testing.T) {
	s, _, cfg := newTestServer(t)
	cfg.Server.EnableAuth = true
	cfg.Server.APIKey = "secret"

	handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestServer_AuthMiddleware_AcceptsBearerToken(t *testing.T) {
	s, _, cfg := newTestServer(t)
	cfg.Server.EnableAuth = true
	cfg.Server.APIKey = "secret"

	handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServer_AuthMiddleware_DisabledPassesThrough(t *testing.T) {
	s, _, cfg := newTestServer(t)
	cfg.Server.EnableAuth = false

	handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
