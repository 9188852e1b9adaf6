package middleware

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

const (
	tracerName     = "github.com/chronos-ai/reactor"
	invokeSpanKey  = "tracing.invoke_span"
	toolSpanPrefix = "tracing.tool_span."
)

// Tracing records an OpenTelemetry span per invoke with a child span per
// executed tool call.
type Tracing struct {
	Base
	tracer trace.Tracer
}

// NewTracing uses tp, or the global provider when tp is nil.
func NewTracing(tp trace.TracerProvider) *Tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracing{tracer: tp.Tracer(tracerName)}
}

func (*Tracing) Name() string { return "tracing" }

func (t *Tracing) BeforeInvoke(ctx context.Context, mc *Context) error {
	attrs := []attribute.KeyValue{
		attribute.String("agent.thread_id", mc.ThreadID),
		attribute.String("agent.status", string(mc.Status)),
	}
	if mc.Request != nil && mc.Request.UserID != "" {
		attrs = append(attrs, attribute.String("agent.user_id", mc.Request.UserID))
	}
	_, span := t.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(attrs...))
	mc.Set(invokeSpanKey, span)
	return nil
}

func (t *Tracing) BeforeToolCall(ctx context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	if v, ok := mc.Get(invokeSpanKey); ok {
		ctx = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := t.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("agent.tool.name", call.Name),
			attribute.String("agent.tool.call_id", call.ID),
			attribute.Int("agent.iteration", mc.Iteration),
		))
	mc.Set(toolSpanPrefix+call.ID, span)
	return Continue(), nil
}

func (t *Tracing) AfterToolCall(_ context.Context, mc *Context, call state.ToolCall, result state.ToolResult) error {
	v, ok := mc.Get(toolSpanPrefix + call.ID)
	if !ok {
		return nil
	}
	delete(mc.Values, toolSpanPrefix+call.ID)
	span := v.(trace.Span)
	if result.IsError {
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()
	return nil
}

func (t *Tracing) AfterInvoke(_ context.Context, mc *Context, resp *run.Response) error {
	// tool spans whose call never ran, e.g. gated by a later middleware
	for k, v := range mc.Values {
		if strings.HasPrefix(k, toolSpanPrefix) {
			span := v.(trace.Span)
			span.SetAttributes(attribute.Bool("agent.tool.executed", false))
			span.End()
			delete(mc.Values, k)
		}
	}

	v, ok := mc.Get(invokeSpanKey)
	if !ok {
		return nil
	}
	delete(mc.Values, invokeSpanKey)
	span := v.(trace.Span)
	span.SetAttributes(
		attribute.String("agent.thread_id", resp.ThreadID),
		attribute.String("agent.final_status", string(resp.Status)),
		attribute.Int("agent.iterations", resp.Iterations),
		attribute.Int("agent.tool_calls", len(resp.ToolCalls)),
		attribute.String("agent.checkpoint_id", resp.CheckpointID),
	)
	if resp.Err != nil {
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, resp.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return nil
}
