package nbi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
)

const tracerName = "github.com/signalsfoundry/qltr-controller/internal/nbi"

// Span attribute keys for session queries.
const (
	attrRequestID = attribute.Key("qltr.request_id")
	attrTable     = attribute.Key("qltr.query.table")
	attrNode      = attribute.Key("qltr.query.node")
	attrFiltered  = attribute.Key("qltr.query.filtered")
	attrRows      = attribute.Key("qltr.query.rows")
	attrCode      = attribute.Key("rpc.grpc.status_code")
)

// Tables a session query can read.
const (
	tableResults = "results"
	tableTrust   = "trust"
	tableQ       = "qtable"
)

// TracingUnaryServerInterceptor renames the otelgrpc server span to
// "qltr/<Method>" and tags it with the request ID and the resulting gRPC
// code. Without a stats handler it starts the server span itself.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := "qltr/" + method

		span := trace.SpanFromContext(ctx)
		owned := !span.SpanContext().IsValid()
		if owned {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "grpc"),
					attribute.String("rpc.service", service),
					attribute.String("rpc.method", method),
				))
			defer span.End()
		} else {
			span.SetName(name)
		}
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			span.SetAttributes(attrRequestID.String(reqID))
		}

		resp, err := handler(ctx, req)
		code := status.Code(err)
		span.SetAttributes(attrCode.Int(int(code)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, code.String())
		}
		return resp, err
	}
}

// querySpan traces one read of controller state.
type querySpan struct {
	trace.Span
}

// startQuerySpan starts a child span for a read of table. node narrows the
// query to one address when filtered is set.
func startQuerySpan(ctx context.Context, table string, node netaddr.NodeAddress, filtered bool) (context.Context, querySpan) {
	attrs := []attribute.KeyValue{
		attrTable.String(table),
		attrFiltered.Bool(filtered),
	}
	if filtered {
		attrs = append(attrs, attrNode.String(node.String()))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.query."+table, trace.WithAttributes(attrs...))
	return ctx, querySpan{span}
}

// finish records the row count, or err, and ends the span.
func (s querySpan) finish(rows int, err error) {
	if err != nil {
		s.RecordError(err)
		s.SetStatus(codes.Error, status.Code(err).String())
	} else {
		s.SetAttributes(attrRows.Int(rows))
	}
	s.End()
}
