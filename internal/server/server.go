package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
	"github.com/derobiwan/trader-sub000/internal/server/handler"
	"github.com/derobiwan/trader-sub000/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client, 0 disables
	RateWindow  time.Duration
	Metrics     bool
}

// Handlers aggregates the operator API handlers. A nil handler leaves its
// routes unregistered, which is how monitor and reconcile modes hide the
// trading endpoints.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Signals    *handler.SignalHandler
	Breaker    *handler.BreakerHandler
	Protection *handler.ProtectionHandler
	Reconcile  *handler.ReconcileHandler
	Audit      *handler.AuditHandler
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain:
// CORS, logging, rate limiting, then auth.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Positions != nil {
		mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", h.Positions.GetPosition)
		mux.HandleFunc("POST /api/positions/{id}/close", h.Positions.ClosePosition)
	}
	if h.Signals != nil {
		mux.HandleFunc("POST /api/signals", h.Signals.SubmitSignal)
	}
	if h.Breaker != nil {
		mux.HandleFunc("GET /api/breaker", h.Breaker.GetState)
		mux.HandleFunc("POST /api/breaker/reset", h.Breaker.Reset)
	}
	if h.Protection != nil {
		mux.HandleFunc("GET /api/protection", h.Protection.ListProtection)
	}
	if h.Reconcile != nil {
		mux.HandleFunc("GET /api/reconciliation/runs", h.Reconcile.ListRuns)
		mux.HandleFunc("POST /api/reconciliation/trigger", h.Reconcile.Trigger)
	}
	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.ListAudit)
	}
	if cfg.Metrics {
		mux.Handle("GET /metrics", monitoring.Handler())
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(chain)
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve runs on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
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
