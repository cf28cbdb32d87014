// Package grpc serves the standard gRPC health-checking service. The overall
// status ("") is SERVING while at least one provider admits calls; every
// provider is also reported under its own name.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/uploadgate/internal/isolation"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

// HealthSource reports per-provider health.
type HealthSource interface {
	Health(ctx context.Context) map[string]isolation.ProviderHealth
}

type GRPCServer struct {
	address  string
	logger   logging.Logger
	source   HealthSource
	interval time.Duration
	health   *health.Server
}

func NewGRPCServer(a string, l logging.Logger, src HealthSource, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &GRPCServer{
		address:  a,
		logger:   l.With("module", "grpc_server"),
		source:   src,
		interval: interval,
		health:   health.NewServer(),
	}
}

// Refresh recomputes every serving status from the health source.
func (s *GRPCServer) Refresh(ctx context.Context) {
	up := false
	for name, h := range s.source.Health(ctx) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if h.Available {
			st = healthpb.HealthCheckResponse_SERVING
			up = true
		}
		s.health.SetServingStatus(name, st)
	}
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
}

func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)

	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info(ctx, "Stopping gRPC server...")
				s.health.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}
	return nil
}
