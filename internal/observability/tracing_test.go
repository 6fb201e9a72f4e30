package observability

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
)

func TestTracingConfigValidate(t *testing.T) {
	ok := DefaultTracingConfig()
	require.NoError(t, ok.Validate())

	otlp := ok
	otlp.Exporter = "OTLP"
	require.NoError(t, otlp.Validate())

	bad := ok
	bad.Exporter = "zipkin"
	assert.Error(t, bad.Validate())

	ratio := ok
	ratio.SampleRatio = 1.5
	assert.Error(t, ratio.Validate())

	ratio.SampleRatio = math.NaN()
	assert.Error(t, ratio.Validate())
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), DefaultTracingConfig(), logging.Noop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracingStdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""

	shutdown, err := InitTracing(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "decision")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Exporter = "zipkin"

	_, err := InitTracing(context.Background(), cfg, logging.Noop())
	assert.Error(t, err)
}
