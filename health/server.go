package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds health server configuration.
type Config struct {
	// Address is the TCP listen address, e.g. ":50051" or "127.0.0.1:0".
	Address string

	// GracefulTimeout bounds how long GracefulStop waits for active RPCs.
	// Default: 5 seconds
	GracefulTimeout time.Duration

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server serves a Reporter over gRPC.
type Server struct {
	*Reporter

	grpcServer *grpc.Server
	listener   net.Listener
	timeout    time.Duration
	logger     *slog.Logger
}

// NewServer listens on cfg.Address and registers the health service.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		return nil, errors.New("health address is required")
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts []grpc.ServerOption
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	reporter := NewReporter()
	grpcServer := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(grpcServer, reporter.HealthServer())

	return &Server{
		Reporter:   reporter,
		grpcServer: grpcServer,
		listener:   listener,
		timeout:    cfg.GracefulTimeout,
		logger:     logger,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve serves until ctx is canceled, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// GracefulStop marks every service NOT_SERVING, then stops the server, forcing
// it after the graceful timeout.
func (s *Server) GracefulStop() {
	s.Reporter.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("health server stopped")
	case <-ctx.Done():
		s.logger.Warn("health server graceful shutdown timed out, forcing stop")
		s.grpcServer.Stop()
	}
}
