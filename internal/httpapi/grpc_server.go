package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"b24app.dev/internal/obs"
)

const serviceName = "b24app.api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer serves grpc.health.v1.Health mirroring the HTTP readiness probe.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the server with the health service registered.
func NewGRPCServer(r readinessChecker, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Server exposes the underlying grpc.Server for Serve/GracefulStop.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh runs the readiness check once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().WarnContext(ctx, "readiness check failed", obs.Err(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	ok := status == healthpb.HealthCheckResponse_SERVING
	obs.SetReady(ok)
	return ok
}

// Watch refreshes readiness every interval until ctx is done.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
