package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanStampsContextIdentifiers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := NewAgentRunContext(context.Background(), "task_router_agent")
	ctx, span := StartSpan(ctx, "deskmate.test", "test.op",
		attribute.String("session_key", "s1"))
	span.End()

	assert.NotEmpty(t, GetTraceID(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "s1", attrs["session_key"])
	assert.Equal(t, "task_router_agent", attrs["agent"])
	assert.Equal(t, GetRunID(ctx), attrs["run_id"])
}

func TestStartSpanWithoutContextIdentifiers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "deskmate.test", "test.op")
	span.End()

	assert.NotEmpty(t, GetTraceID(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	for _, kv := range spans[0].Attributes {
		assert.NotEqual(t, "run_id", string(kv.Key))
		assert.NotEqual(t, "agent", string(kv.Key))
	}
}
