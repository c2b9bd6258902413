// Package health serves the gRPC health protocol for a running applier.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/josephjohncox/reshard/pkg/applier"
	gogrpc "google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server wraps the gRPC server lifecycle.
type Server struct {
	server  *gogrpc.Server
	health  *grpchealth.Server
	service string
	logger  *slog.Logger
}

// New registers the health service for service. The overall server status
// and service's status start as SERVING.
func New(service string, logger *slog.Logger, enableReflection bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := gogrpc.NewServer(gogrpc.UnaryInterceptor(LoggingInterceptor(logger)))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	if enableReflection {
		reflection.Register(server)
	}
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	return &Server{server: server, health: hs, service: service, logger: logger}
}

// SetStage publishes the applier stage as the service's serving status.
func (s *Server) SetStage(stage applier.Stage) {
	serving := healthpb.HealthCheckResponse_SERVING
	if stage == applier.StageErrorOccurred {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(s.service, serving)
}

func (s *Server) Serve(listener net.Listener) error {
	return s.server.Serve(listener)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// LoggingInterceptor logs each unary call at debug, and failures at warn.
func LoggingInterceptor(logger *slog.Logger) gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		st, _ := status.FromError(err)
		attrs := []any{
			"method", info.FullMethod,
			"code", st.Code().String(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			logger.Warn("grpc call failed", append(attrs, "error", err)...)
		} else {
			logger.Debug("grpc call", attrs...)
		}
		return resp, err
	}
}
