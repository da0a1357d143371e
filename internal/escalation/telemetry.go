package escalation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/escalation"

// Metrics provides OpenTelemetry metrics for the escalation monitor.
type Metrics struct {
	transitions metric.Int64Counter

	initialized bool
}

// NewMetrics creates the escalation instruments. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	transitions, err := meter.Int64Counter(
		"escalation.transition.total",
		metric.WithDescription("Escalation level transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{transitions: transitions, initialized: true}, nil
}

// RecordTransition records a level change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to model.Level) {
	if m == nil || !m.initialized {
		return
	}
	direction := "down"
	if to.Rank() > from.Rank() {
		direction = "up"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("direction", direction),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
