package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jonwraymond/toolguard/secerr"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m, reader
}

func TestMetrics_Invocations(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	meta := InvocationMeta{ToolID: "search"}

	m.RecordInvocation(ctx, meta, 10*time.Millisecond, nil)
	m.RecordInvocation(ctx, meta, 10*time.Millisecond, secerr.New(secerr.KindInsufficientScope, "search", "", ""))

	rm := collect(t, reader)
	if got := sumValue(t, findMetric(rm, MetricInvocations)); got != 2 {
		t.Errorf("%s = %d, want 2", MetricInvocations, got)
	}

	failures := findMetric(rm, MetricFailures)
	if got := sumValue(t, failures); got != 1 {
		t.Fatalf("%s = %d, want 1", MetricFailures, got)
	}
	dp := failures.Data.(metricdata.Sum[int64]).DataPoints[0]
	kind, ok := dp.Attributes.Value(attribute.Key("error.kind"))
	if !ok || kind.AsString() != string(secerr.KindInsufficientScope) {
		t.Errorf("error.kind = %v, %v", kind, ok)
	}

	if findMetric(rm, MetricDuration) == nil {
		t.Errorf("%s not recorded", MetricDuration)
	}
}

func TestMetrics_TokenCacheAndGrants(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTokenCache(ctx, "a", true)
	m.RecordTokenCache(ctx, "a", true)
	m.RecordTokenCache(ctx, "a", false)
	m.RecordGrant(ctx, "auth0", nil)

	rm := collect(t, reader)
	if got := sumValue(t, findMetric(rm, MetricTokenCacheHits)); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumValue(t, findMetric(rm, MetricTokenCacheMisses)); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
	if got := sumValue(t, findMetric(rm, MetricGrants)); got != 1 {
		t.Errorf("grants = %d, want 1", got)
	}
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics(nil) error = %v", err)
	}
	m.RecordGrant(context.Background(), "x", nil)
}
