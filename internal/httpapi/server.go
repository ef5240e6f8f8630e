// Package httpapi exposes the controller's read-only HTTP surface:
// health/readiness probes, a Prometheus /metrics endpoint, and a
// small /api/v1 status/servers/events trio for operators and
// dashboards.
//
// Grounded on the teacher's internal/api/server.go: same
// mux-plus-two-middlewares shape (auth then logging), the same
// health/readiness split, generalized from a single cloud provider's
// HealthCheck to this controller's cloud+CI pair of dependencies.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/eventstore"
	"github.com/runnerscale/controller/internal/metrics"
)

// Server is the controller's HTTP status surface.
type Server struct {
	config     *config.Config
	cloud      cloudapi.Cloud
	ci         ciapi.CI
	events     *eventstore.Store
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds a Server. events may be nil when the event store is
// disabled; the /api/v1/events endpoint reports 404 in that case.
func New(
	cfg *config.Config,
	cloud cloudapi.Cloud,
	ci ciapi.CI,
	events *eventstore.Store,
	met *metrics.Metrics,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:   cfg,
		cloud:    cloud,
		ci:       ci,
		events:   events,
		metrics:  met,
		registry: registry,
		logger:   logger.With("component", "httpapi"),
	}
}

// Start blocks serving HTTP until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc(s.config.Server.HealthPath, s.handleHealth)
	mux.HandleFunc(s.config.Server.ReadinessPath, s.handleReadiness)
	mux.Handle(s.config.Server.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/servers", s.authMiddleware(s.handleServers))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting http api", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http api shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http api error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleReadiness exercises both upstreams the controller depends on:
// a cloud server list and a CI rate-limit read. Either failing means
// the controller cannot reconcile right now.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.cloud.ListServers(ctx); err != nil {
		s.writeReadinessError(w, "cloud provider unreachable", err)
		return
	}
	if _, err := s.ci.RateLimit(ctx); err != nil {
		s.writeReadinessError(w, "ci provider unreachable", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) writeReadinessError(w http.ResponseWriter, message string, err error) {
	s.logger.Error("readiness check failed", "error", err)
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not ready",
		"error":  message,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	servers, err := s.cloud.ListServers(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list servers", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":    time.Now().Format(time.RFC3339),
		"server_count": len(servers),
		"max_runners":  s.config.Scaling.MaxRunners,
		"repository":   s.config.CI.Repository,
		"dry_run":      s.config.DryRun,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	servers, err := s.cloud.ListServers(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list servers", err)
		return
	}

	models := make([]interface{}, 0, len(servers))
	for _, srv := range servers {
		models = append(models, srv.ToModel())
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(models),
		"servers":   models,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "event store not enabled", nil)
		return
	}

	events := s.events.Recent(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
