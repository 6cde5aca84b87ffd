package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"voicegate/core"
)

// HTTPServer serves a handler on a TCP listener until its context is
// cancelled, then drains in-flight requests.
type HTTPServer struct {
	address         string
	handler         http.Handler
	logger          *core.Logger
	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
}

// NewHTTPServer panics on a missing address or handler; both are wiring
// errors.
func NewHTTPServer(address string, handler http.Handler, shutdownTimeout time.Duration, logger *core.Logger) *HTTPServer {
	if address == "" {
		panic("server.HTTPServer: address is required")
	}
	if handler == nil {
		panic("server.HTTPServer: handler is required")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &HTTPServer{
		address:         address,
		handler:         handler,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		ready:           make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the resolved listen address. Only valid after Ready is closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads are bounded by size; streamed replies by the synthesis
		// stream timeout, so there is no write deadline.
		ReadTimeout: 2 * time.Minute,
		IdleTimeout: 2 * time.Minute,
	}

	s.logger.With(map[string]interface{}{"address": s.addr.String()}).Info("http server listening")

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.With(map[string]interface{}{"error": err}).Error("http server shutdown error")
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
