package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixed(r Result) func(context.Context) Result {
	return func(context.Context) Result { return r }
}

func TestAggregator_Defaults(t *testing.T) {
	agg := NewAggregator()
	if agg.config.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", agg.config.Timeout)
	}
	if agg.config.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", agg.config.MaxConcurrency)
	}
}

func TestAggregator_RegisterOrder(t *testing.T) {
	agg := NewAggregator()
	for _, name := range []string{"tools", "event_bus", "signing_key"} {
		agg.Register(name, NewCheckerFunc(name, fixed(Healthy("ok"))))
	}
	agg.Register("tools", NewCheckerFunc("tools", fixed(Degraded("none"))))
	agg.Unregister("event_bus")

	names := agg.CheckerNames()
	if len(names) != 2 || names[0] != "tools" || names[1] != "signing_key" {
		t.Errorf("CheckerNames() = %v", names)
	}

	res, err := agg.Check(context.Background(), "tools")
	if err != nil || res.Status != StatusDegraded {
		t.Errorf("Check(tools) = %+v, %v; replacement should win", res, err)
	}
	if _, err := agg.Check(context.Background(), "event_bus"); !errors.Is(err, ErrCheckerNotFound) {
		t.Errorf("Check(removed) error = %v", err)
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	for _, limit := range []int{1, 8} {
		agg := NewAggregator(AggregatorConfig{MaxConcurrency: limit})
		agg.Register("a", NewCheckerFunc("a", fixed(Healthy("ok"))))
		agg.Register("b", NewCheckerFunc("b", fixed(Degraded("slow"))))
		agg.Register("c", NewCheckerFunc("c", fixed(Healthy("ok"))))

		results := agg.CheckAll(context.Background())
		if len(results) != 3 {
			t.Fatalf("limit %d: got %d results", limit, len(results))
		}
		if results["b"].Status != StatusDegraded {
			t.Errorf("limit %d: b = %v", limit, results["b"].Status)
		}
		if OverallStatus(results) != StatusDegraded {
			t.Errorf("limit %d: overall = %v", limit, OverallStatus(results))
		}
	}
}

func TestAggregator_Timeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	agg.Register("stuck", NewCheckerFunc("stuck", func(ctx context.Context) Result {
		<-release
		return Healthy("late")
	}))

	results := agg.CheckAll(context.Background())
	if r := results["stuck"]; r.Status != StatusUnhealthy || !errors.Is(r.Error, ErrCheckTimeout) {
		t.Errorf("stuck = %+v, want timeout", r)
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"healthy", map[string]Result{"a": Healthy("")}, StatusHealthy},
		{"degraded", map[string]Result{"a": Healthy(""), "b": Degraded("")}, StatusDegraded},
		{"unhealthy", map[string]Result{"a": Degraded(""), "b": Unhealthy("", nil)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OverallStatus(tt.results); got != tt.want {
				t.Errorf("OverallStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
