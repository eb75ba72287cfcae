package observe

import (
	"context"
	"time"
)

// InvokeFunc is the invocation stage wrapped by Middleware.
type InvokeFunc func(ctx context.Context, meta InvocationMeta) error

// Middleware wraps an invocation with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap returns a function safe for concurrent use.
//   - Context: the span context is propagated to the wrapped function.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{tracer: tracer, metrics: metrics, logger: logger}
}

// Wrap wraps fn with observability.
func (m *Middleware) Wrap(fn InvokeFunc) InvokeFunc {
	return func(ctx context.Context, meta InvocationMeta) error {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		err := fn(ctx, meta)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordInvocation(ctx, meta, duration, err)

		log := m.logger.WithTool(meta.ToolID)
		fields := []Field{
			F("invocation_id", meta.InvocationID),
			F("depth", meta.Depth),
			F("duration_ms", float64(duration.Microseconds())/1000),
		}
		if meta.Caller != "" {
			fields = append(fields, F("caller", meta.Caller))
		}
		if err != nil {
			fields = append(fields, F("error", err))
			log.Warn(ctx, "invocation failed", fields...)
		} else {
			log.Info(ctx, "invocation completed", fields...)
		}
		return err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return NewMiddleware(nil, nil, nil), nil
	}
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
