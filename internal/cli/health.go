package cli

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServer serves the standard gRPC health service for the engine.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

func newHealthServer(port int) (*healthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &healthServer{grpc: srv, health: hs, lis: lis}, nil
}

func (h *healthServer) serve() {
	slog.Info("Health server listening", "addr", h.lis.Addr().String())
	if err := h.grpc.Serve(h.lis); err != nil {
		slog.Error("Health server failed", "error", err)
	}
}

func (h *healthServer) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *healthServer) stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
