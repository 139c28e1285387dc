package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the service name probes may ask for besides the empty
// overall name.
const ServiceName = "hubfleet.Master"

func knownService(name string) bool {
	return name == "" || name == ServiceName
}

// status reports SERVING only while the server is up and the store answers.
func (s *Server) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if !s.serving.Load() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, s.config.CheckTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed: store unavailable", "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Check implements the gRPC Health Check protocol.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !knownService(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Watch streams the serving status, sending an update whenever it changes.
func (s *Server) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if !knownService(req.GetService()) {
		return stream.Send(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN})
	}

	ctx := stream.Context()
	last := s.status(ctx)
	if err := stream.Send(&healthpb.HealthCheckResponse{Status: last}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.config.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := s.status(ctx)
			if cur == last {
				continue
			}
			last = cur
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: cur}); err != nil {
				return err
			}
		}
	}
}
