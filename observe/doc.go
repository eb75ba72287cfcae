// Package observe provides logging, tracing and metrics for secured tool
// invocations.
//
// It is a pure instrumentation library: exporters are selected by name (see
// the exporters subpackage) and every component receives its Logger, Tracer
// and Metrics explicitly. Secret-bearing log fields are redacted.
package observe
