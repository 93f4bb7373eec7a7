// Package api serves the platform's HTTP surface: the webhook intake, the
// operator read endpoints, and the realtime WebSocket stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewServer wires routes around the handlers. Read endpoints sit behind
// bearer auth; the webhook, health check, and stream do not.
func NewServer(port int, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", handlers.HandleWebhook)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /monitoring/status", handlers.RequireAuth(handlers.HandleMonitoringStatus))
	mux.HandleFunc("GET /orders", handlers.RequireAuth(handlers.HandleOrders))
	mux.HandleFunc("GET /v1/realtime", handlers.HandleRealtime)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Start runs the hub and serves until Stop. Blocks.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}
