// Package server is the HTTP control surface: status, positions, adjustment
// history, breaker control, entry planning, manual close and /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/riskguard/internal/server/handler"
	"github.com/alanyoungcy/riskguard/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Positions   *handler.PositionHandler
	Adjustments *handler.AdjustmentHandler
	Breaker     *handler.BreakerHandler
	Entries     *handler.EntryHandler
}

// Server is the headless HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain.
func NewServer(cfg Config, handlers Handlers, limiter middleware.Limiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, handlers, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// publicPaths skip authentication and log at debug level.
var publicPaths = []string{"/api/health", "/metrics"}

// NewHandler returns the routed and wrapped handler.
func NewHandler(cfg Config, handlers Handlers, limiter middleware.Limiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	}
	if handlers.Adjustments != nil {
		mux.HandleFunc("GET /api/adjustments", handlers.Adjustments.ListRecent)
		mux.HandleFunc("GET /api/adjustments/stats", handlers.Adjustments.Stats)
	}
	if handlers.Breaker != nil {
		mux.HandleFunc("GET /api/breaker", handlers.Breaker.GetState)
		mux.HandleFunc("POST /api/breaker/reset", handlers.Breaker.Reset)
	}
	if handlers.Entries != nil {
		mux.HandleFunc("POST /api/entries/plan", handlers.Entries.PlanEntry)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, logger, publicPaths...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Logging(logger, publicPaths...)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
