// Package telemetry bridges agent cycles, tool calls, sagas and replays to
// OpenTelemetry spans.
//
// Basic usage with the global TracerProvider:
//
//	tr := telemetry.New()
//
// With an explicit TracerProvider:
//
//	tr := telemetry.New(telemetry.WithTracerProvider(tp))
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentledger/core"
	otelAPI "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hupe1980/agentledger"

// Option is a functional option for configuring the Tracer.
type Option func(*Tracer)

// WithTracerProvider sets an explicit TracerProvider.
// If not set, the global TracerProvider is used.
func WithTracerProvider(tp otelTrace.TracerProvider) Option {
	return func(t *Tracer) {
		t.tracerProvider = tp
	}
}

// Tracer creates spans for runtime operations. A nil *Tracer is valid and
// records nothing.
type Tracer struct {
	tracerProvider otelTrace.TracerProvider
	tracer         otelTrace.Tracer
}

// New creates a Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	if t.tracerProvider == nil {
		t.tracerProvider = otelAPI.GetTracerProvider()
	}

	t.tracer = t.tracerProvider.Tracer(tracerName)

	return t
}

// StartCycle opens a span for one plan/execute/commit cycle over events (from, to].
func (t *Tracer) StartCycle(ctx context.Context, instanceID string, from, to core.Cursor) context.Context {
	if t == nil {
		return ctx
	}

	ctx, _ = t.tracer.Start(ctx, "cycle",
		otelTrace.WithSpanKind(otelTrace.SpanKindInternal),
		otelTrace.WithAttributes(
			instanceAttr(instanceID),
			cursorAttr("from", uint64(from)),
			cursorAttr("to", uint64(to)),
		),
	)

	return ctx
}

// EndCycle closes the cycle span.
func (t *Tracer) EndCycle(ctx context.Context, planID string, status core.ExecutionStatus, err error) {
	if t == nil {
		return
	}

	span := otelTrace.SpanFromContext(ctx)
	span.SetAttributes(planAttr(planID), statusAttr(string(status)))

	end(span, status == core.StatusFailed, string(status), err)
}

// StartTool opens a span for a tool invocation through the boundary.
func (t *Tracer) StartTool(ctx context.Context, ref core.SchemaRef, ic core.InvocationContext) context.Context {
	if t == nil {
		return ctx
	}

	ctx, _ = t.tracer.Start(ctx, fmt.Sprintf("tool:%s", ref.Name),
		otelTrace.WithSpanKind(otelTrace.SpanKindClient),
		otelTrace.WithAttributes(
			toolNameAttr(ref.Name),
			toolRefAttr(ref.String()),
			instanceAttr(ic.InstanceID),
			planAttr(ic.PlanID),
			actionAttr(ic.ActionID),
			replayAttr(ic.Replay),
		),
	)

	return ctx
}

// EndTool closes the tool span with the result.
func (t *Tracer) EndTool(ctx context.Context, res core.ToolResult) {
	if t == nil {
		return
	}

	span := otelTrace.SpanFromContext(ctx)
	span.SetAttributes(toolCostAttr(res.Cost))

	if !res.Success {
		span.SetAttributes(toolErrorCodeAttr(res.ErrorCode))
		end(span, true, res.ErrorCode, errors.New(res.ErrorMessage))

		return
	}

	span.End()
}

// StartSaga opens a span for a saga run.
func (t *Tracer) StartSaga(ctx context.Context, sagaID string, steps int) context.Context {
	if t == nil {
		return ctx
	}

	ctx, _ = t.tracer.Start(ctx, fmt.Sprintf("saga:%s", sagaID),
		otelTrace.WithSpanKind(otelTrace.SpanKindInternal),
	)
	otelTrace.SpanFromContext(ctx).SetAttributes(sagaStepsAttr(steps))

	return ctx
}

// EndSaga closes the saga span.
func (t *Tracer) EndSaga(ctx context.Context, res core.SagaResult) {
	if t == nil {
		return
	}

	span := otelTrace.SpanFromContext(ctx)
	span.SetAttributes(statusAttr(string(res.Status)))

	if res.Reason != "" {
		span.SetAttributes(reasonAttr(res.Reason))
	}

	end(span, res.Status == core.SagaFailed, string(res.Status), nil)
}

// StartReplay opens a span for a replay run.
func (t *Tracer) StartReplay(ctx context.Context, instanceID string, from core.Cursor) context.Context {
	if t == nil {
		return ctx
	}

	ctx, _ = t.tracer.Start(ctx, "replay",
		otelTrace.WithSpanKind(otelTrace.SpanKindInternal),
		otelTrace.WithAttributes(instanceAttr(instanceID), cursorAttr("from", uint64(from))),
	)

	return ctx
}

// EndReplay closes the replay span.
func (t *Tracer) EndReplay(ctx context.Context, status string, finalCursor core.Cursor, reason string, err error) {
	if t == nil {
		return
	}

	span := otelTrace.SpanFromContext(ctx)
	span.SetAttributes(statusAttr(status), cursorAttr("final_cursor", uint64(finalCursor)))

	if reason != "" {
		span.SetAttributes(reasonAttr(reason))
	}

	end(span, status == string(core.StatusFailed), status, err)
}

func end(span otelTrace.Span, failed bool, desc string, err error) {
	if err != nil {
		span.RecordError(err)
	}

	if failed || err != nil {
		span.SetStatus(codes.Error, desc)
	}

	span.End()
}
