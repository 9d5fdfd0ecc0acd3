// Package grpcserver exposes the standard gRPC health service so orchestrators
// can check readiness without going through the HTTP front ends.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/mri-check/internal/logging"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "mricheck.Classifier"

// HealthServer wraps a gRPC server that only serves health checks.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu      sync.Mutex
	serving bool
}

// NewHealthServer creates a health server that reports NOT_SERVING until SetServing is called.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs, logger: logger.Named("grpc_health")}
}

// SetServing updates the reported status of the service.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)

	h.mu.Lock()
	changed := h.serving != serving
	h.serving = serving
	h.mu.Unlock()
	if changed {
		h.logger.Info("health status changed", zap.String("status", status.String()))
	}
}

// Track sets the status from ready immediately and then every interval until
// ctx is done. A nil error from ready means SERVING.
func (h *HealthServer) Track(ctx context.Context, interval time.Duration, ready func(context.Context) error) {
	check := func() {
		err := ready(ctx)
		if err != nil && ctx.Err() == nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
		}
		h.SetServing(err == nil)
	}
	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Serve blocks serving health checks on listener until Stop is called.
func (h *HealthServer) Serve(listener net.Listener) error {
	h.logger.Info("gRPC health listening", zap.String("addr", listener.Addr().String()))
	if err := h.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Stop marks the service as not serving and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
