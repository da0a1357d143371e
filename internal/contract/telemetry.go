package contract

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"

// Metrics provides OpenTelemetry metrics for law validation.
type Metrics struct {
	violations metric.Int64Counter

	initialized bool
}

// NewMetrics creates the contract instruments. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	violations, err := meter.Int64Counter(
		"contract.violation.total",
		metric.WithDescription("Law violations found during transition validation"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{violations: violations, initialized: true}, nil
}

// RecordViolation records one violation.
func (m *Metrics) RecordViolation(ctx context.Context, v Violation) {
	if m == nil || !m.initialized {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("law", string(v.LawID)),
		attribute.String("severity", string(v.Severity)),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
