// internal/server/http_server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type HTTPServer struct {
	server *http.Server
	logger *zap.Logger
	port   int
}

func NewHTTPServer(handler http.Handler, port int, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
		port:   port,
	}
}

// Start blocks until the server stops
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.Int("port", s.port))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
