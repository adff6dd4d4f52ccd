// Package transport provides the HTTP API and live status stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/dbload/internal/storage"
	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	readyCheckTimeout   = 2 * time.Second
)

// RunController is the part of the runner the handlers need.
type RunController interface {
	Status() types.LiveStatus
	Stop()
}

// HealthChecker verifies that the target database is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler replaces the default Prometheus handler for /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithBroadcastInterval sets how often websocket clients receive the status.
func WithBroadcastInterval(d time.Duration) Option {
	return func(s *Server) { s.broadcastInterval = d }
}

// Server handles HTTP requests for the load generator.
type Server struct {
	ctrl      RunController
	history   storage.Storage // nil when run history is disabled
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
	metrics   http.Handler

	broadcastInterval time.Duration

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server and starts the websocket broadcaster.
// Call Close to stop it.
func NewServer(ctrl RunController, history storage.Storage, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ctrl:              ctrl,
		history:           history,
		health:            health,
		logger:            logger,
		startTime:         time.Now(),
		metrics:           promhttp.Handler(),
		broadcastInterval: defaultBroadcastInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsServer = NewWebSocketServer(ctrl, logger, s.broadcastInterval)
	s.wsServer.Start()

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	return s
}

// Close stops the websocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/{id}", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned, standard probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", s.metrics)

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the live run status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleStop ends the current run early. Stopping twice is harmless.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.ctrl.Stop()
	s.logger.Info("stop requested via API", slog.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleHistory returns run history with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireHistory(w) {
		return
	}

	limit := defaultHistoryLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxHistoryLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.history.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET, PATCH and DELETE on /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		detail, err := s.runDetail(ctx, id)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	case http.MethodDelete:
		if err := s.history.DeleteRun(ctx, id); err != nil {
			s.writeStorageError(w, "Failed to delete run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.history.UpdateRunMetadata(ctx, id, &update); err != nil {
			s.writeStorageError(w, "Failed to update run", err)
			return
		}
		run, err := s.history.GetRun(ctx, id)
		if err != nil || run == nil {
			s.writeJSONError(w, "Failed to get updated run", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, run)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) runDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	run, err := s.history.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	series, err := s.history.GetTimeSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.RunDetail{Run: run, TimeSeries: series}, nil
}

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		s.writeJSONError(w, "Run history is disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) writeStorageError(w http.ResponseWriter, prefix string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSONError(w, prefix+": "+err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"ws_clients":     s.wsServer.ClientCount(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes by pinging the target database.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		start := time.Now()
		err := s.health.Ping(ctx)
		cancel()

		check := ReadinessCheck{
			Name:      "database",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
