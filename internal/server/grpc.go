package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewGRPCServer returns a gRPC server instrumented with otelgrpc that serves the standard
// health protocol from hs.
func NewGRPCServer(hs grpc_health_v1.HealthServer) *grpc.Server {
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	RegisterServices(s, hs)
	return s
}

// RegisterServices registers the health service and server reflection.
func RegisterServices(s *grpc.Server, hs grpc_health_v1.HealthServer) {
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)
}
