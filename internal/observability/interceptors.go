package observability

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/observability/metrics"
)

// overallHealth labels probes for the server as a whole (empty service name).
const overallHealth = "overall"

// splitMethod turns "/pkg.Service/Method" into its service and method parts.
func splitMethod(fullMethod string) (service, method string) {
	full := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "unknown", full
}

// UnaryServerInterceptor records every unary call and, for health checks, the
// status reported for the probed service. Orchestrator probes are frequent,
// so health checks log at debug.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		service, method := splitMethod(info.FullMethod)
		code := status.Code(err).String()
		m.RecordGRPCCall(service, method, code)

		ev := logger.Info()
		if hreq, ok := req.(*healthpb.HealthCheckRequest); ok {
			probed := hreq.GetService()
			if probed == "" {
				probed = overallHealth
			}
			reported := code
			if hresp, ok := resp.(*healthpb.HealthCheckResponse); ok && err == nil {
				reported = hresp.GetStatus().String()
			}
			m.RecordHealthCheck(probed, reported)
			ev = logger.Debug().Str("probed", probed).Str("status", reported)
		}

		ev.Str("service", service).
			Str("method", method).
			Str("code", code).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor records stream calls (health watches, reflection).
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)

		service, method := splitMethod(info.FullMethod)
		code := status.Code(err).String()
		m.RecordGRPCCall(service, method, code)

		logger.Info().
			Str("service", service).
			Str("method", method).
			Str("code", code).
			Dur("duration", time.Since(start)).
			Msg("gRPC stream completed")
		return err
	}
}
