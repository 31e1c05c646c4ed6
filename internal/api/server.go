// Package api implements the meshbridge HTTP API: health, snapshot
// inspection, cloud commands, Prometheus metrics, and a WebSocket
// stream of inventory signals.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/meshbridge/internal/buildinfo"
	"github.com/nugget/meshbridge/internal/connwatch"
	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/events"
	"github.com/nugget/meshbridge/internal/metrics"
	"github.com/nugget/meshbridge/internal/wifi"
)

// commandTimeout bounds one cloud write issued by a request.
const commandTimeout = 30 * time.Second

// Coordinator is the coordinator as seen by the API.
type Coordinator interface {
	Snapshot() *coordinator.Snapshot
	LastUpdateSuccess() bool
	Gateway() wifi.Gateway
	ForceSpeedTest(systemID string)
}

// HealthSource reports the state of watched dependencies.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Coordinator Coordinator
	Health      HealthSource     // optional
	Bus         *events.Bus      // optional; disables /v1/events when nil
	Metrics     *metrics.Metrics // optional
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	coord   Coordinator
	health  HealthSource
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server

	// Hijacked event streams are invisible to http.Server.Shutdown, so
	// the server closes and waits for them itself.
	streamMu sync.Mutex
	closing  bool
	stop     chan struct{}
	streams  sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		coord:   deps.Coordinator,
		health:  deps.Health,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/systems", s.handleSystems)
	mux.HandleFunc("GET /v1/systems/{id}", s.handleSystem)
	mux.HandleFunc("POST /v1/systems/{id}/speedtest", s.handleSpeedTest)
	mux.HandleFunc("POST /v1/systems/{id}/restart", s.handleRestartSystem)
	mux.HandleFunc("POST /v1/access-points/{id}/restart", s.handleRestartAP)
	mux.HandleFunc("POST /v1/systems/{sid}/devices/{did}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/systems/{sid}/devices/{did}/prioritize", s.handlePrioritize)
	mux.HandleFunc("DELETE /v1/systems/{sid}/prioritization", s.handleClearPrioritization)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Event stream clients receive a
// close frame; Shutdown waits for their handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streamMu.Lock()
	if !s.closing {
		s.closing = true
		close(s.stop)
	}
	s.streamMu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	drained := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("event streams still open: %w", ctx.Err())
		}
	}
	return err
}

// trackStream registers a live event stream. It reports false once
// Shutdown has begun.
func (s *Server) trackStream() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.closing {
		return false
	}
	s.streams.Add(1)
	return true
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(route, rec.status)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "meshbridge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Get(), s.logger)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status      string                             `json:"status"`
	LastUpdate  *time.Time                         `json:"last_update,omitempty"`
	LastSuccess bool                               `json:"last_update_success"`
	Services    map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth reports 200 while the last refresh succeeded and every
// watched service is up, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		LastSuccess: s.coord.LastUpdateSuccess(),
	}
	if snap := s.coord.Snapshot(); snap != nil {
		at := snap.UpdatedAt
		resp.LastUpdate = &at
	}
	if s.health != nil {
		resp.Services = s.health.Status()
	}

	healthy := resp.LastSuccess
	for _, svc := range resp.Services {
		if !svc.Ready {
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
