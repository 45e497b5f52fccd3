package api

import (
	"context"
	"fmt"
	"net"

	"pricesync/internal/config"
	"pricesync/internal/service"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type GRPCServer struct {
	cfg      config.APIConfig
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	log      zerolog.Logger
}

// NewGRPCServer listens on the configured port and registers the admin and health services.
func NewGRPCServer(cfg config.APIConfig, queue *service.QueueService, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return NewGRPCServerWithListener(cfg, queue, lis, logger), nil
}

func NewGRPCServerWithListener(cfg config.APIConfig, queue *service.QueueService, lis net.Listener, logger *zerolog.Logger) *GRPCServer {
	auth := NewAuthInterceptor(cfg)
	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(unary))
	RegisterAdminServer(grpcServer, NewAdminService(queue))

	hs := health.NewServer()
	hs.SetServingStatus(adminServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	serverLogger := zerolog.Nop()
	if logger != nil {
		serverLogger = logger.With().Str("component", "grpc").Logger()
	}

	return &GRPCServer{
		cfg:      cfg,
		server:   grpcServer,
		health:   hs,
		listener: lis,
		log:      serverLogger,
	}
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

// Shutdown marks the service not serving and drains in-flight calls until ctx ends.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}
