package grpcx

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a traced gRPC server with request id propagation and the
// standard health service registered. The health status of "" (the whole
// server) starts as SERVING.
func NewServer(extra ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()),
	}
	opts = append(opts, extra...)

	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// Serve listens on addr until ctx is cancelled, then drains in-flight calls.
func Serve(ctx context.Context, logger *slog.Logger, srv *grpc.Server, hs *health.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if hs != nil {
			hs.Shutdown()
		}
		srv.GracefulStop()
	}()

	logger.Info("grpc server starting", "addr", addr)
	if err := srv.Serve(lis); err != nil {
		return err
	}
	logger.Info("grpc server stopped")
	return nil
}
