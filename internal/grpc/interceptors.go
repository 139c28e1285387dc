package grpc

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// probeMethodPrefix marks health probes, which are logged at debug level.
const probeMethodPrefix = "/grpc.health.v1.Health/"

// loggingInterceptor returns a unary server interceptor that logs requests.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.logCall(ctx, "grpc request", info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

// streamLoggingInterceptor returns a stream server interceptor that logs requests.
func (s *Server) streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		s.logCall(ss.Context(), "grpc stream", info.FullMethod, err, time.Since(start))
		return err
	}
}

func (s *Server) logCall(ctx context.Context, msg, method string, err error, duration time.Duration) {
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}

	log := s.logger.InfoContext
	if strings.HasPrefix(method, probeMethodPrefix) && code == codes.OK {
		log = s.logger.DebugContext
	}
	log(ctx, msg,
		"method", method,
		"code", code.String(),
		"duration", duration,
	)
}
