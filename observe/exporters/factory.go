// Package exporters builds OpenTelemetry exporters by name.
package exporters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names.
const (
	Stdout     = "stdout"
	OTLP       = "otlp"
	Prometheus = "prometheus"
	None       = "none"
)

// Errors returned by the factories.
var (
	ErrUnknownExporter       = errors.New("exporters: unknown exporter")
	ErrEndpointNotConfigured = errors.New("exporters: endpoint not configured")
)

// StdoutWriter is where stdout exporters write. Tests may replace it.
var StdoutWriter io.Writer = os.Stdout

// ValidTracing reports whether name is a known tracing exporter.
func ValidTracing(name string) bool {
	switch name {
	case Stdout, OTLP, None, "":
		return true
	}
	return false
}

// ValidMetrics reports whether name is a known metrics exporter.
func ValidMetrics(name string) bool {
	switch name {
	case Stdout, OTLP, Prometheus, None, "":
		return true
	}
	return false
}

// NewTracingExporter creates a span exporter. "none" and "" return a nil
// exporter, which installs no batcher.
func NewTracingExporter(ctx context.Context, name string) (sdktrace.SpanExporter, error) {
	switch name {
	case Stdout:
		return stdouttrace.New(stdouttrace.WithWriter(StdoutWriter))
	case OTLP:
		if err := requireEndpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); err != nil {
			return nil, err
		}
		return otlptracegrpc.New(ctx)
	case None, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, name)
	}
}

// NewMetricsReader creates a metrics reader. "none" and "" return a nil
// reader.
func NewMetricsReader(ctx context.Context, name string) (sdkmetric.Reader, error) {
	switch name {
	case Stdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(StdoutWriter))
		if err != nil {
			return nil, fmt.Errorf("exporters: stdout metrics: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case OTLP:
		if err := requireEndpoint("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); err != nil {
			return nil, err
		}
		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("exporters: otlp metrics: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case Prometheus:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("exporters: prometheus: %w", err)
		}
		return exp, nil
	case None, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, name)
	}
}

func requireEndpoint(signalVar string) error {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" || os.Getenv(signalVar) != "" {
		return nil
	}
	return fmt.Errorf("%w: set OTEL_EXPORTER_OTLP_ENDPOINT or %s", ErrEndpointNotConfigured, signalVar)
}
