package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracer() (*telemetry.Tracer, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdkTrace.NewTracerProvider(sdkTrace.WithSyncer(exporter))

	return telemetry.New(telemetry.WithTracerProvider(tp)), exporter
}

func TestTracer_CycleWithNestedTool(t *testing.T) {
	tr, exporter := setupTracer()

	ctx := tr.StartCycle(context.Background(), "order-1", 0, 2)
	toolCtx := tr.StartTool(ctx, core.MustParseSchemaRef("ref://schemas/tool/charge/1.0.0"), core.InvocationContext{
		InstanceID: "order-1",
		PlanID:     "p1",
		ActionID:   "p1-0-tool_invocation",
	})
	tr.EndTool(toolCtx, core.ToolResult{Success: true, Cost: 1})
	tr.EndCycle(ctx, "p1", core.StatusSuccess, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool:charge", spans[0].Name)
	assert.Equal(t, "cycle", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
}

func TestTracer_ToolFailureRecordsError(t *testing.T) {
	tr, exporter := setupTracer()

	ctx := tr.StartTool(context.Background(), core.MustParseSchemaRef("ref://schemas/tool/charge/1.0.0"), core.InvocationContext{})
	tr.EndTool(ctx, core.Failure(core.ErrCodeTimeout, "deadline exceeded"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Len(t, spans[0].Events, 1)
}

func TestTracer_ReplayAndSaga(t *testing.T) {
	tr, exporter := setupTracer()

	ctx := tr.StartReplay(context.Background(), "order-1", 1)
	sagaCtx := tr.StartSaga(ctx, "checkout", 2)
	tr.EndSaga(sagaCtx, core.SagaResult{Status: core.SagaFailed, Reason: "refund failed"})
	tr.EndReplay(ctx, string(core.StatusFailed), 3, "digest mismatch", errors.New("diverged"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "saga:checkout", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "replay", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestTracer_NilIsNoOp(t *testing.T) {
	var tr *telemetry.Tracer

	ctx := tr.StartCycle(context.Background(), "i", 0, 1)
	tr.EndCycle(ctx, "p", core.StatusSuccess, nil)
	tr.EndTool(tr.StartTool(ctx, core.SchemaRef{}, core.InvocationContext{}), core.ToolResult{})
}
