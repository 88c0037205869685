// Package grpcapi serves gRPC health checks and reflection for the gateway.
// Transcription traffic itself uses the websocket transport.
package grpcapi

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-scribe-gateway/internal/observability"
	"ai-scribe-gateway/internal/observability/metrics"
)

// ServiceName is the health-check service name of the gateway.
const ServiceName = "ai.scribe.TranscriptionGateway"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates the gRPC server with health, reflection and the metrics and
// logging interceptors. Both services start NOT_SERVING.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	reflection.Register(g)

	s := &Server{grpc: g, health: hs}
	s.SetServing(false)
	return s
}

// SetServing updates the health status of the gateway and the server.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC health server")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, forcing a stop when ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.SetServing(false)

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
