// Package server exposes the instant job engine over HTTP and streams job
// notifications over websockets.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/logger"
	"github.com/teranos/shiftly/notify"
	"github.com/teranos/shiftly/pulse/sweep"
)

// ServerState tracks the lifecycle of the HTTP listener.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Config holds the listener settings.
type Config struct {
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DispatchMonitor reports running wave loops for the health endpoint.
type DispatchMonitor interface {
	Active() int
}

// Server serves the instant job API.
type Server struct {
	engine     *instant.Engine
	hub        *notify.Hub
	dispatcher DispatchMonitor
	sweeper    *sweep.Ticker
	cfg        Config
	logger     *zap.SugaredLogger
	startedAt  time.Time

	mux        *http.ServeMux
	httpServer *http.Server
	state      atomic.Int32
}

// Option configures a Server.
type Option func(*Server)

// WithDispatchMonitor adds wave loop counts to /health.
func WithDispatchMonitor(m DispatchMonitor) Option {
	return func(s *Server) { s.dispatcher = m }
}

// WithSweeper adds sweep progress to /health.
func WithSweeper(t *sweep.Ticker) Option {
	return func(s *Server) { s.sweeper = t }
}

// New creates a server and registers its routes.
func New(engine *instant.Engine, hub *notify.Hub, cfg Config, log *zap.SugaredLogger, opts ...Option) (*Server, error) {
	if engine == nil || hub == nil {
		return nil, errors.New("server requires an engine and a notification hub")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		engine:    engine,
		hub:       hub,
		cfg:       cfg,
		logger:    logger.OrNop(log).Named("server"),
		startedAt: time.Now().UTC(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupHTTPRoutes()
	s.setState(ServerStateStopped)
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Debugw("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start listens on the configured port until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	actualPort, err := findAvailablePort(s.cfg.Port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != s.cfg.Port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", s.cfg.Port,
			"actual_port", actualPort,
		)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", actualPort))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", actualPort)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())

	select {
	case err := <-errCh:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}
