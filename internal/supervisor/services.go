package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/server"
)

// Hub is the part of *server.Hub the supervisor drives.
type Hub interface {
	Serve(ctx context.Context) error
	Shutdown(timeout time.Duration) error
}

// HubService runs a hub as a supervised service. A hub serves once, so it is
// never restarted after it stops.
type HubService struct {
	hub             Hub
	shutdownTimeout time.Duration
}

// NewHubService wraps hub.
func NewHubService(hub Hub, shutdownTimeout time.Duration) *HubService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HubService{hub: hub, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	err := s.hub.Serve(ctx)
	if errors.Is(err, server.ErrHubStopped) {
		return suture.ErrDoNotRestart
	}
	if shutdownErr := s.hub.Shutdown(s.shutdownTimeout); shutdownErr != nil {
		logging.Warn().Err(shutdownErr).Msg("Hub goroutines did not finish in time")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return suture.ErrDoNotRestart
}

func (s *HubService) String() string { return "websocket-hub" }

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until the context is cancelled, then shuts
// it down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-server" }
