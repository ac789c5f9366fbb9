package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/config"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/registry"
)

// Package server exposes the active forecast models over HTTP.
//
// Routes:
//   GET /api/v1/forecast/hourly?steps=N   Hourly forecast (default 24 steps)
//   GET /api/v1/forecast/daily?steps=N    Daily forecast (default 7 steps)
//   GET /api/v1/forecast/today            Reconciled hourly forecast of the next day
//   GET /health                           Loaded models and registry generation
//   GET /metrics                          Prometheus metrics (when enabled)
//
// Reads never wait for a model swap: a busy registry answers 503 with a
// Retry-After header.

const apiPrefix = "/api/v1/forecast"

// Models is the read side of the model registry.
type Models interface {
	Forecast(kind forecast.Kind, steps int) (forecast.Result, error)
	Snapshot() (registry.Snapshot, error)
}

// Server serves forecasts from a model registry.
type Server struct {
	config *config.Config
	models Models
	logger *zap.Logger
	router *mux.Router

	// HTTP server
	httpServer *http.Server

	// State
	mu      sync.Mutex
	running bool
}

// NewServer creates a server bound to models.
func NewServer(cfg *config.Config, models Models, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if models == nil {
		return nil, fmt.Errorf("models cannot be nil")
	}
	s := &Server{
		config: cfg,
		models: models,
		logger: logging.OrNop(logger).Named("server"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.config.Metrics.Enabled {
		router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc(apiPrefix+"/hourly", s.handleHourly).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/daily", s.handleDaily).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/today", s.handleToday).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)
	if n := s.config.Server.RateLimitPerMin; n > 0 {
		router.Use(newRateLimiter(n).middleware("/health", s.config.Metrics.Path))
	}
	return router
}

// Start starts listening in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}

	s.httpServer = &http.Server{
		Addr:         ln.Addr().String(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}
	s.running = true

	srv := s.httpServer
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address of a running server.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("server is not running")
	}
	s.running = false

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
