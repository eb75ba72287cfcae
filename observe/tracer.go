package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/toolguard/secerr"
)

// InvocationMeta describes one secured tool invocation for telemetry.
type InvocationMeta struct {
	ToolID       string // Tool identifier (required)
	Version      string // Tool version (optional)
	InvocationID string // Unique invocation id (optional)
	Caller       string // Calling tool id when nested (optional)
	Depth        int    // Call-chain depth including this call
}

// SpanName returns the deterministic span name: etdi.invoke.<tool>.
func (m InvocationMeta) SpanName() string {
	return "etdi.invoke." + m.ToolID
}

func (m InvocationMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("tool.id", m.ToolID),
		attribute.Int("etdi.call_depth", m.Depth),
	}
	if m.Version != "" {
		attrs = append(attrs, attribute.String("tool.version", m.Version))
	}
	if m.InvocationID != "" {
		attrs = append(attrs, attribute.String("etdi.invocation_id", m.InvocationID))
	}
	if m.Caller != "" {
		attrs = append(attrs, attribute.String("etdi.caller", m.Caller))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with invocation span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a span for an invocation.
	StartSpan(ctx context.Context, meta InvocationMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording the error kind if err is non-nil.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		t = tracenoop.NewTracerProvider().Tracer("noop")
	}
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta InvocationMeta) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(meta.attributes()...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		kind := string(secerr.KindOf(err))
		span.SetStatus(codes.Error, kind)
		span.SetAttributes(attribute.String("etdi.error_kind", kind))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NopTracer returns a Tracer whose spans are not recorded.
func NopTracer() Tracer {
	return NewTracer(nil)
}

func spanContext(ctx context.Context) trace.SpanContext {
	if ctx == nil {
		return trace.SpanContext{}
	}
	return trace.SpanContextFromContext(ctx)
}
