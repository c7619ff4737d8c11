package frontend

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/linkflow/agentflow/internal/frontend/interceptor"
)

// HealthService is the service name reported by the gRPC health endpoint.
const HealthService = "agentflow.engine.v1.Engine"

// GRPCServer exposes the standard health and reflection services so the
// engine can be probed by orchestrators and grpcurl.
type GRPCServer struct {
	server  *grpc.Server
	health  *health.Server
	address string
	logger  *slog.Logger
}

func NewGRPCServer(address string, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	logging := interceptor.NewLoggingInterceptor(logger, 0)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logging.UnaryInterceptor),
		grpc.ChainStreamInterceptor(logging.StreamInterceptor),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server:  srv,
		health:  hs,
		address: address,
		logger:  logger,
	}
}

// Server returns the underlying grpc.Server.
func (g *GRPCServer) Server() *grpc.Server {
	return g.server
}

func (g *GRPCServer) Serve(lis net.Listener) error {
	g.logger.Info("grpc server listening", slog.String("address", lis.Addr().String()))
	return g.server.Serve(lis)
}

func (g *GRPCServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", g.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.address, err)
	}
	return g.Serve(lis)
}

// Shutdown reports NOT_SERVING and drains in-flight calls.
func (g *GRPCServer) Shutdown() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
