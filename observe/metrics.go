package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/toolguard/secerr"
)

// Metric names.
const (
	MetricInvocations      = "etdi.invocations.total"
	MetricFailures         = "etdi.invocations.failures"
	MetricDuration         = "etdi.invocations.duration_ms"
	MetricTokenCacheHits   = "etdi.token_cache.hits"
	MetricTokenCacheMisses = "etdi.token_cache.misses"
	MetricGrants           = "etdi.oauth.grants"
)

// Metrics records invocation and token-broker metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordInvocation records one invocation; failures are counted by kind.
	RecordInvocation(ctx context.Context, meta InvocationMeta, duration time.Duration, err error)

	// RecordTokenCache records a broker cache lookup.
	RecordTokenCache(ctx context.Context, toolID string, hit bool)

	// RecordGrant records a client-credentials grant attempt.
	RecordGrant(ctx context.Context, provider string, err error)
}

type metricsImpl struct {
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	grants      metric.Int64Counter
}

// NewMetrics creates Metrics backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	if meter == nil {
		return NopMetrics(), nil
	}
	var (
		m    metricsImpl
		err  error
		errs []error
	)
	m.invocations, err = meter.Int64Counter(MetricInvocations,
		metric.WithDescription("Secured tool invocations"), metric.WithUnit("{call}"))
	errs = append(errs, err)
	m.failures, err = meter.Int64Counter(MetricFailures,
		metric.WithDescription("Failed tool invocations by error kind"), metric.WithUnit("{error}"))
	errs = append(errs, err)
	m.duration, err = meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Invocation duration in milliseconds"), metric.WithUnit("ms"))
	errs = append(errs, err)
	m.cacheHits, err = meter.Int64Counter(MetricTokenCacheHits,
		metric.WithDescription("Token cache hits"), metric.WithUnit("{lookup}"))
	errs = append(errs, err)
	m.cacheMisses, err = meter.Int64Counter(MetricTokenCacheMisses,
		metric.WithDescription("Token cache misses"), metric.WithUnit("{lookup}"))
	errs = append(errs, err)
	m.grants, err = meter.Int64Counter(MetricGrants,
		metric.WithDescription("Client-credentials grant attempts"), metric.WithUnit("{grant}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metricsImpl) RecordInvocation(ctx context.Context, meta InvocationMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("tool.id", meta.ToolID))
	m.invocations.Add(ctx, 1, opt)
	if err != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool.id", meta.ToolID),
			attribute.String("error.kind", string(secerr.KindOf(err))),
		))
	}
	m.duration.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (m *metricsImpl) RecordTokenCache(ctx context.Context, toolID string, hit bool) {
	opt := metric.WithAttributes(attribute.String("tool.id", toolID))
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
		return
	}
	m.cacheMisses.Add(ctx, 1, opt)
}

func (m *metricsImpl) RecordGrant(ctx context.Context, provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.grants.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.provider", provider),
		attribute.String("outcome", outcome),
	))
}

type nopMetrics struct{}

// NopMetrics returns Metrics that record nothing.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordInvocation(context.Context, InvocationMeta, time.Duration, error) {}
func (nopMetrics) RecordTokenCache(context.Context, string, bool)                         {}
func (nopMetrics) RecordGrant(context.Context, string, error)                             {}
