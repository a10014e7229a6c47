// Package api exposes deployments, certificate issuance and the audit log
// over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eniac111/proxyops/internal/logger"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr    string
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the proxyops HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, handlers *Handlers) *Server {
	log := logger.OrDefault(cfg.Logger)
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           Routes(handlers, cfg.Metrics, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		handlers: handlers,
		logger:   log,
	}
}

// Routes builds the request router.
func Routes(h *Handlers, metrics http.Handler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HealthHandler)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /api/targets", h.ListTargetsHandler)
	mux.HandleFunc("POST /api/targets/{id}/check", h.CheckHandler)
	mux.HandleFunc("POST /api/targets/{id}/deploy", h.DeployHandler)
	mux.HandleFunc("GET /api/targets/{id}/deployments", h.ListDeploymentsHandler)
	mux.HandleFunc("GET /api/targets/{id}/audit", h.AuditHandler)
	mux.HandleFunc("POST /api/targets/{id}/certificates", h.IssueHandler)
	mux.HandleFunc("GET /api/targets/{id}/certificates/stream", h.IssueStreamHandler)
	mux.HandleFunc("GET /api/deployments/{id}", h.GetDeploymentHandler)

	return applyMiddleware(mux, RequestLogger(log), Recoverer(log))
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
