package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"remotecast/backend/internal/server/interceptors"
	"remotecast/backend/internal/telemetry"
)

// NewGRPC returns a gRPC server exposing the health service, instrumented with otelgrpc and the
// telemetry interceptor. Health checks themselves are not emitted as telemetry events.
func NewGRPC(health healthpb.HealthServer, emitter telemetry.EventEmitter, logger *zap.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.TelemetryUnary(emitter, map[string]bool{healthpb.Health_Check_FullMethodName: true}, logger),
		),
	)
	healthpb.RegisterHealthServer(s, health)
	return s
}
