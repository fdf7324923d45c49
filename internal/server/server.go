package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrServerClosed is returned by Listen after Close.
var ErrServerClosed = errors.New("server: closed")

// Config holds the ops listener settings.
type Config struct {
	Addr              string        `yaml:"addr" json:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the default ops listener configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":9090",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Server serves one handler on a TCP listener.
type Server struct {
	cfg    Config
	srv    *http.Server
	logger *zap.Logger
	errs   chan error

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// New creates a server for handler. Nothing is bound until Listen.
func New(cfg Config, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		logger: logger.With(zap.String("component", "ops_server")),
		errs:   make(chan error, 1),
	}
}

// Listen binds cfg.Addr, starts serving and returns the bound address.
func (s *Server) Listen() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return "", ErrServerClosed
	case s.ln != nil:
		return "", fmt.Errorf("server already listening on %s", s.ln.Addr())
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	addr := ln.Addr().String()
	s.logger.Info("ops endpoint listening", zap.String("addr", addr))

	go func() {
		err := s.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		s.logger.Error("ops endpoint stopped", zap.Error(err))
		s.errs <- err
	}()
	return addr, nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Err delivers a serve failure that happened after Listen.
func (s *Server) Err() <-chan error { return s.errs }

// Close drains in-flight requests within cfg.ShutdownTimeout. It is
// idempotent and safe before Listen.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listening := s.ln != nil
	s.mu.Unlock()

	if !listening {
		return nil
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops endpoint: %w", err)
	}
	s.logger.Debug("ops endpoint closed")
	return nil
}
