package nbi

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
)

// NewServer builds a gRPC server carrying the session service. Interceptors
// run in order: request id, tracing, then RPC metrics. collector may be nil.
func NewServer(log logging.Logger, collector *observability.NBICollector, svc SessionServer, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logging.Noop()
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	}
	server := grpc.NewServer(append(base, opts...)...)
	if svc != nil {
		RegisterSessionServiceServer(server, svc)
	}
	return server
}
