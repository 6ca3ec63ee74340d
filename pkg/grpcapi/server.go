// Package grpcapi serves the standard gRPC health protocol with one
// service per WAN link, so load balancers and netcfgctl can watch WAN
// readiness.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/netcfgd/pkg/wan"
)

// Service names.
const (
	// DaemonService is SERVING while the daemon runs.
	DaemonService = ""
	// UplinkService is SERVING while any WAN link is ready.
	UplinkService = "netcfgd.wan"
)

// WANService returns the health service name of one WAN instance.
func WANService(name string) string { return "netcfgd.wan/" + name }

// Server mirrors WAN readiness into a gRPC health server.
type Server struct {
	addr   string
	group  *wan.Group
	health *health.Server

	mu    sync.Mutex
	known map[string]bool
}

// NewServer returns a server for addr reporting the links of group.
func NewServer(addr string, group *wan.Group) *Server {
	s := &Server{
		addr:   addr,
		group:  group,
		health: health.NewServer(),
		known:  make(map[string]bool),
	}
	s.health.SetServingStatus(DaemonService, healthpb.HealthCheckResponse_SERVING)
	s.Sync()
	return s
}

// Sync republishes the readiness of every WAN link. Links that went away
// report SERVICE_UNKNOWN.
func (s *Server) Sync() {
	statuses := s.group.Statuses()

	s.mu.Lock()
	defer s.mu.Unlock()
	anyReady := false
	for name, st := range statuses {
		s.health.SetServingStatus(WANService(name), servingStatus(st.Ready))
		s.known[name] = true
		anyReady = anyReady || st.Ready
	}
	for name := range s.known {
		if _, ok := statuses[name]; !ok {
			s.health.SetServingStatus(WANService(name), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
			delete(s.known, name)
		}
	}
	s.health.SetServingStatus(UplinkService, servingStatus(anyReady))
}

func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Wake watchers before the listener goes away.
	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}
