// Package grpc serves the standard gRPC health protocol for the hub fleet
// master, so load balancers and orchestrators can probe it without an HTTP
// client.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Config holds the gRPC server configuration.
type Config struct {
	Port                 int
	TLSCertFile          string
	TLSKeyFile           string
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	// WatchInterval is how often a Watch stream re-checks health.
	WatchInterval time.Duration
	// CheckTimeout bounds a single dependency ping.
	CheckTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 1000,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		WatchInterval:        5 * time.Second,
		CheckTimeout:         2 * time.Second,
	}
}

// Pinger is a dependency the server must reach to report SERVING.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements the gRPC health service.
type Server struct {
	healthpb.UnimplementedHealthServer

	config *Config
	pinger Pinger
	logger *slog.Logger

	grpcServer *grpc.Server

	// Server state
	serving atomic.Bool
	mu      sync.RWMutex
}

// NewServer creates a new gRPC server instance. pinger is usually the store.
func NewServer(cfg *Config, pinger Pinger, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		pinger: pinger,
		logger: logger,
	}
}

// buildServerOptions constructs the gRPC server options.
func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor()),
		grpc.ChainStreamInterceptor(s.streamLoggingInterceptor()),
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done or Stop is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	opts, err := s.buildServerOptions()
	if err != nil {
		return fmt.Errorf("building server options: %w", err)
	}

	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, s)

	s.mu.Lock()
	s.grpcServer = gs
	s.mu.Unlock()

	s.serving.Store(true)
	s.logger.Info("gRPC server starting", "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Stop gracefully stops the gRPC server. Open Watch streams see NOT_SERVING
// before they are closed.
func (s *Server) Stop(ctx context.Context) error {
	if !s.serving.Swap(false) {
		return nil
	}
	s.logger.Info("gRPC server stopping")

	s.mu.RLock()
	gs := s.grpcServer
	s.mu.RUnlock()
	if gs == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
		gs.Stop()
	case <-ctx.Done():
		s.logger.Warn("context cancelled, forcing stop")
		gs.Stop()
	}

	return nil
}

// IsServing returns whether the server is currently serving requests.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}
