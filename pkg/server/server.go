// Package server binds the UDP and TCP DNS listeners and dispatches
// inbound messages to a handler.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/jyuch/advoid/pkg/logging"
)

// Server binds UDP and TCP listeners at the same address and forwards every
// inbound message to Handler.
type Server struct {
	addr    string
	handler dns.Handler
	logger  *logging.Logger

	mu        sync.Mutex
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
}

// New creates a Server bound to addr, not yet listening.
func New(addr string, handler dns.Handler, logger *logging.Logger) *Server {
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Run starts both listeners and blocks until ctx is cancelled or either
// listener fails, at which point it shuts both down and returns.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true

	s.udpServer = &dns.Server{Addr: s.addr, Net: "udp", Handler: s.handler}
	s.tcpServer = &dns.Server{Addr: s.addr, Net: "tcp", Handler: s.handler, IdleTimeout: func() time.Duration { return 5 * time.Second }}
	s.mu.Unlock()

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("starting UDP listener", "addr", s.addr)
		if err := s.udpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("server: udp listen: %w", err)
		}
	}()

	go func() {
		s.logger.Info("starting TCP listener", "addr", s.addr)
		if err := s.tcpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("server: tcp listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.logger.Error("server listener failed", "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return err
	}
}

// shutdownGrace bounds how long Run waits for both listeners to stop.
const shutdownGrace = 5 * time.Second

// Shutdown gracefully stops both listeners, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	var firstErr error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: udp shutdown: %w", err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: tcp shutdown: %w", err)
		}
	}
	return firstErr
}
