// Package telemetry owns the OpenTelemetry providers of a governd process.
//
// OTLP export of traces and metrics is off by default. A Prometheus reader
// can be enabled on its own; its registry is served by MetricsHandler on
// /metrics. Engines never depend on this package: they instrument through
// otel.Tracer and otel.Meter, which resolve to the providers New installs.
//
// Tests use NewTestTelemetry and pass its Meter to an engine's NewMetrics.
package telemetry
