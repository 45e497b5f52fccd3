package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/metrics"
	"pricesync/internal/service"
	"pricesync/internal/webhook"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPServer serves the webhook endpoint, health and the operator queue API.
type HTTPServer struct {
	cfg     config.APIConfig
	ingress *webhook.Ingress
	queue   *service.QueueService
	maxBody int64
	server  *http.Server
	auth    *HTTPAuth
	logger  zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, webhookCfg config.WebhookConfig, ingress *webhook.Ingress, queue *service.QueueService, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http").Logger()
	}
	maxBody := webhookCfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	srv := &HTTPServer{cfg: cfg, ingress: ingress, queue: queue, maxBody: maxBody, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/queue/stats", srv.handleStats)
	api.HandleFunc("/api/v1/queue/jobs", srv.handleJobs)
	api.HandleFunc("/api/v1/queue/jobs/export", srv.handleExport)
	api.HandleFunc("/api/v1/queue/jobs/", srv.handleJob)
	api.HandleFunc("/api/v1/queue/enqueue/entity", srv.handleEnqueueEntity)
	api.HandleFunc("/api/v1/queue/enqueue/family", srv.handleEnqueueFamily)
	api.HandleFunc("/api/v1/queue/retry", srv.handleRetry)
	api.HandleFunc("/api/v1/queue/purge", srv.handlePurge)
	api.HandleFunc("/api/v1/queue/reclaim", srv.handleReclaim)
	api.HandleFunc("/api/v1/queue/issues", srv.handleIssues)
	api.HandleFunc("/api/v1/queue/deadletter", srv.handleDeadLetters)
	api.HandleFunc("/api/v1/links", srv.handleLinks)
	api.HandleFunc("/api/v1/items/", srv.handleItemSkip)
	api.HandleFunc("/api/v1/webhooks/audit", srv.handleAudit)
	api.HandleFunc("/api/v1/processor/pause", srv.handlePause)
	api.HandleFunc("/api/v1/processor/resume", srv.handleResume)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", srv.handleWebhook)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/api/", srv.auth.Wrap(api))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler for embedding and tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(routeLabel(r.URL.Path))
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// routeLabel collapses ids out of paths to keep metric cardinality bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/queue/jobs/") && path != "/api/v1/queue/jobs/export":
		return "/api/v1/queue/jobs/{id}"
	case strings.HasPrefix(path, "/api/v1/items/"):
		return "/api/v1/items/{id}/skip"
	default:
		return path
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
