// Package api provides the HTTP server: the image route, health probes,
// metrics and cache administration
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/pixelcache/pixelcache/internal/circuit"
	"github.com/pixelcache/pixelcache/internal/config"
	"github.com/pixelcache/pixelcache/internal/metrics"
	"github.com/pixelcache/pixelcache/pkg/health"
	"github.com/pixelcache/pixelcache/pkg/types"
)

// Version is reported by /info
var Version = "dev"

// Server serves pixelcache over HTTP
type Server struct {
	httpServer    *http.Server
	healthTracker *health.Tracker
	cache         types.ImageCache
	metrics       *metrics.Collector
	breakers      *circuit.Hosts
	logger        *slog.Logger
	config        ServerConfig
	routes        []string
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., ":8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableAdmin mounts POST /api/cache/clear
	EnableAdmin bool `yaml:"enable_admin" json:"enable_admin"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
		EnableAdmin:  false,
	}
}

// ServerConfigFrom maps the server section of cfg
func ServerConfigFrom(cfg *config.Configuration) ServerConfig {
	s := cfg.Server
	return ServerConfig{
		Address:      s.Address,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
		EnableCORS:   s.EnableCORS,
		EnableAdmin:  s.EnableAdmin,
	}
}

// Dependencies are the components the server exposes. Only Images and
// Cache are required.
type Dependencies struct {
	Images   http.Handler
	Cache    types.ImageCache
	Health   *health.Tracker
	Metrics  *metrics.Collector
	Breakers *circuit.Hosts
	Logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		healthTracker: deps.Health,
		cache:         deps.Cache,
		metrics:       deps.Metrics,
		breakers:      deps.Breakers,
		logger:        logger.With("component", "api"),
		config:        config,
	}

	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, h)
		s.routes = append(s.routes, pattern)
	}

	handle("/api/image", deps.Images)

	// Health endpoints
	handle("GET /health", http.HandlerFunc(s.handleHealth))
	handle("GET /health/live", http.HandlerFunc(s.handleLiveness))
	handle("GET /health/ready", http.HandlerFunc(s.handleReadiness))

	// Cache endpoints
	handle("GET /api/cache/stats", http.HandlerFunc(s.handleCacheStats))
	if config.EnableAdmin {
		handle("POST /api/cache/clear", http.HandlerFunc(s.handleCacheClear))
	}

	if s.metrics != nil && s.metrics.Enabled() {
		handle("GET "+s.metrics.Path(), s.metrics.Handler())
	}

	handle("GET /info", http.HandlerFunc(s.handleInfo))

	var handler http.Handler = mux
	handler = s.recoveryMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting API server", "address", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	report := s.healthTracker.Report()

	statusCode := http.StatusOK
	switch report.Status {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded:
		statusCode = http.StatusPartialContent
	}
	if !report.Ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	ready := s.healthTracker.Ready()
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    s.healthTracker.GetOverallHealth().String(),
		"timestamp": time.Now(),
	})
}

// Cache endpoint handlers

type statsResponse struct {
	Cache      types.Stats                         `json:"cache"`
	Upstreams  []circuit.HostStats                 `json:"upstreams,omitempty"`
	Operations map[string]metrics.OperationMetrics `json:"operations,omitempty"`
	Timestamp  time.Time                           `json:"timestamp"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Cache:     s.cache.Stats(),
		Timestamp: time.Now(),
	}
	if s.breakers != nil {
		resp.Upstreams = s.breakers.Stats()
	}
	if s.metrics != nil {
		resp.Operations = s.metrics.GetMetrics()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Warn("cache clear interrupted", "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "Cache clear interrupted")
		return
	}
	if s.metrics != nil {
		s.metrics.ResetMetrics()
	}
	s.logger.Info("cache cleared via admin endpoint", "remote", r.RemoteAddr)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":   true,
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "pixelcache",
		"version":   Version,
		"timestamp": time.Now(),
		"endpoints": s.routes,
	})
}

// Middleware

// statusRecorder captures the response code for access logs
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("panic serving request", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				http.Error(w, "Image processing failed", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Cache, X-Original-Size, X-Processed-Size")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
