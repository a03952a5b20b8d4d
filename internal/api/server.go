// Package api is the HTTP surface: the sync trigger, manual summarize,
// the read endpoints the UI polls, and the realtime event mounts.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/events"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// Server wraps the HTTP listener around the handler set.
type Server struct {
	config   config.ServerConfig
	handlers *Handlers
	hub      *events.Hub
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, handlers *Handlers, hub *events.Hub) *Server {
	return &Server{
		config:   cfg,
		handlers: handlers,
		hub:      hub,
	}
}

// Start begins listening. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.GetHost(), s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      SetupRoutes(s.handlers, s.hub),
		ReadTimeout:  30 * time.Second,
		// Streaming endpoints (SSE, websocket upgrade) manage their own
		// lifetimes; no server-wide write timeout.
		IdleTimeout: 120 * time.Second,
	}

	logger.Info("api server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
