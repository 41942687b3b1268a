// Package server serves the browser console, the websocket hub and the
// control API on one listener.
package server

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"
)

//go:embed static
var assets embed.FS

type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	ready      chan struct{}
	addr       string
}

// New routes /ws to ws, /api/ and /metrics to apiHandler and everything
// else to the embedded console page.
func New(addr string, ws http.Handler, apiHandler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	subFS, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to sub filesystem: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(subFS)))
	mux.Handle("/ws", ws)
	if apiHandler != nil {
		mux.Handle("/api/", apiHandler)
		mux.Handle("/metrics", apiHandler)
	}

	return &Server{
		logger: logger,
		ready:  make(chan struct{}),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address; valid after Ready.
func (s *Server) Addr() string { return s.addr }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
