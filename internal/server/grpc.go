// Package server assembles the gRPC server exposed by the reaper daemon.
package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthhandler "aval/internal/health/handler"
	"aval/internal/server/interceptors"
)

// Deps holds the services registered on the daemon's server.
type Deps struct {
	// Health answers grpc.health.v1 checks. If nil, the health service is not registered.
	Health *healthhandler.Server
	// Reflection registers the server reflection service when true.
	Reflection bool
	Logger     *slog.Logger
}

// quietMethods are not logged per request; probes call them constantly.
var quietMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewServer returns a gRPC server instrumented with otelgrpc and request
// logging, with deps registered.
func NewServer(deps Deps) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(deps.Logger, quietMethods)),
	)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the daemon's services with s.
//
// Service → handler mapping:
//   - grpc.health.v1.Health → internal/health/handler
//   - grpc.reflection       → google.golang.org/grpc/reflection
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
	if deps.Reflection {
		if gs, ok := s.(*grpc.Server); ok {
			reflection.Register(gs)
		}
	}
}
