package nbi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func endedSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no ended span %q", name)
	return nil
}

func TestQuerySpansCarryFilter(t *testing.T) {
	rec := recordSpans(t)
	svc := NewSessionService(newFakeSource(), func() time.Duration { return 10 * time.Second }, nil)
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]interface{}{"src": "10.0.0.1"})
	require.NoError(t, err)
	rows, err := svc.DumpQTable(ctx, req)
	require.NoError(t, err)
	require.Len(t, rows.GetValues(), 2)

	q := spanAttrs(endedSpan(t, rec, "session.query.qtable"))
	assert.Equal(t, "qtable", q[attrTable].AsString())
	assert.True(t, q[attrFiltered].AsBool())
	assert.Equal(t, "10.0.0.1", q[attrNode].AsString())
	assert.EqualValues(t, 2, q[attrRows].AsInt64())

	_, err = svc.GetResults(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	res := spanAttrs(endedSpan(t, rec, "session.query.results"))
	assert.False(t, res[attrFiltered].AsBool())
	_, hasNode := res[attrNode]
	assert.False(t, hasNode)
	assert.EqualValues(t, 1_250_000, res["qltr.session.total_bytes"].AsInt64())
}

func TestQuerySpanRecordsNotFound(t *testing.T) {
	rec := recordSpans(t)
	svc := NewSessionService(newFakeSource(), func() time.Duration { return time.Second }, nil)

	req, err := structpb.NewStruct(map[string]interface{}{"node": "10.0.0.9"})
	require.NoError(t, err)
	_, err = svc.GetTrust(context.Background(), req)
	require.Equal(t, codes.NotFound, status.Code(err))

	span := endedSpan(t, rec, "session.query.trust")
	assert.Equal(t, otelcodes.Error, span.Status().Code)
	assert.Equal(t, "10.0.0.9", spanAttrs(span)[attrNode].AsString())
	_, hasRows := spanAttrs(span)[attrRows]
	assert.False(t, hasRows)
}

func TestTracingInterceptorOwnsSpanWithoutStatsHandler(t *testing.T) {
	rec := recordSpans(t)
	intercept := TracingUnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/" + SessionServiceName + "/GetTrust"}
	ctx := logging.ContextWithRequestID(context.Background(), "req-7")

	_, err := intercept(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "node 10.0.0.9 is not tracked")
	})
	require.Error(t, err)

	span := endedSpan(t, rec, "qltr/GetTrust")
	attrs := spanAttrs(span)
	assert.Equal(t, "req-7", attrs[attrRequestID].AsString())
	assert.Equal(t, SessionServiceName, attrs["rpc.service"].AsString())
	assert.EqualValues(t, codes.NotFound, attrs[attrCode].AsInt64())
	assert.Equal(t, otelcodes.Error, span.Status().Code)
}
