// grpc_health.go: module health exposed through the gRPC health protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer mirrors module health into a grpc.health.v1 service. Each
// module is a service named by its id; the empty service name carries the
// overall status of the runtime.
//
//	hs := NewHealthServer(monitor)
//	srv := grpc.NewServer()
//	hs.Register(srv)
type HealthServer struct {
	server  *health.Server
	monitor *HealthMonitor
}

// NewHealthServer creates a health server fed by monitor's status changes.
func NewHealthServer(monitor *HealthMonitor) *HealthServer {
	hs := &HealthServer{
		server:  health.NewServer(),
		monitor: monitor,
	}
	if monitor != nil {
		monitor.OnChange(hs.update)
	}
	return hs
}

// Register installs the health service on a gRPC server.
func (hs *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, hs.server)
}

// Server returns the underlying grpc health server.
func (hs *HealthServer) Server() *health.Server { return hs.server }

// Check answers a health query in process, as a remote client would see it.
func (hs *HealthServer) Check(ctx context.Context, moduleID string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := hs.server.Check(ctx, &healthpb.HealthCheckRequest{Service: moduleID})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Shutdown reports every service as NOT_SERVING.
func (hs *HealthServer) Shutdown() {
	hs.server.Shutdown()
}

func (hs *HealthServer) update(status HealthStatus) {
	hs.server.SetServingStatus(status.ModuleID, servingStatus(status.Status))
	if hs.monitor != nil {
		overall := hs.monitor.GetOverallHealth()
		hs.server.SetServingStatus("", servingStatus(overall.Status))
	}
}

func servingStatus(state HealthState) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case StatusHealthy, StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case StatusUnknown:
		return healthpb.HealthCheckResponse_UNKNOWN
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}
