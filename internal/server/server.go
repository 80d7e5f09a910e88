// Package server is the headless HTTP API for the engine: position and
// profile management, alert and audit history, scheduler status, archive
// access, a live event stream, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/server/handler"
	"github.com/yxzhao/perpbot/internal/server/middleware"
	"github.com/yxzhao/perpbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitPerMin int    // requests per minute per client IP; 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered, so the server degrades
// gracefully when a backing store is not configured.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Profiles  *handler.ProfileHandler
	Alerts    *handler.AlertHandler
	Status    *handler.StatusHandler
	Audit     *handler.AuditHandler
	Archives  *handler.ArchiveHandler
	Stream    *ws.Hub
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and wires up the middleware chain (CORS, logging, rate limiting, auth).
// limiter may be nil; rate limiting also requires cfg.RateLimitPerMin > 0.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and metrics bypass authentication.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
		mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
		mux.HandleFunc("DELETE /api/positions/{id}", handlers.Positions.ClosePosition)
	}

	if handlers.Profiles != nil {
		mux.HandleFunc("POST /api/profiles", handlers.Profiles.RegisterProfile)
		mux.HandleFunc("DELETE /api/profiles/{id}", handlers.Profiles.DeregisterProfile)
	}

	if handlers.Alerts != nil {
		mux.HandleFunc("GET /api/alerts/recent", handlers.Alerts.ListRecent)
	}

	if handlers.Status != nil {
		mux.HandleFunc("GET /api/scheduler/status", handlers.Status.SchedulerStatus)
	}

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListEntries)
	}

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archives.GetArchive)
	}

	if handlers.Stream != nil {
		mux.HandleFunc("GET /ws", handlers.Stream.HandleStream)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
