package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), &Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	shutdown, err = InitTracing(context.Background(), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_HTTP(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// HTTP protocol avoids opening a gRPC connection in tests
	cfg := &Config{
		Enabled:     true,
		ServiceName: "polyroom-test",
		Protocol:    "http",
		Insecure:    true,
		SamplerRate: 2.5,
		Environment: "dev",
		Headers:     map[string]string{"x-test": "1"},
	}

	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestClampRate(t *testing.T) {
	assert.Equal(t, 0.0, clampRate(-1))
	assert.Equal(t, 0.5, clampRate(0.5))
	assert.Equal(t, 1.0, clampRate(3))
}

func TestBuilder_SpanLifecycle(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sr),
		sdktrace.WithResource(resource.Empty()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	scope := Tracer("trace-test").Start(context.Background(), "op").
		WithAttrs(attribute.String("room", "r1"))
	scope.Fail(errors.New("boom"))
	scope.Fail(nil)
	scope.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("room", "r1"))

	var nilScope *SpanScope
	assert.NotPanics(t, func() {
		nilScope.WithAttrs(attribute.Int("x", 1))
		nilScope.Fail(errors.New("x"))
		nilScope.End()
	})
}
