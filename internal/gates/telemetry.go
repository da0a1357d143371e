package gates

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"

// Metrics provides OpenTelemetry metrics for gate evaluation.
type Metrics struct {
	evaluations     metric.Int64Counter
	changes         metric.Int64Counter
	evaluatorErrors metric.Int64Counter
	triggersDropped metric.Int64Counter

	initialized bool
}

// NewMetrics creates the gate instruments. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.evaluations, err = meter.Int64Counter(
		"gates.evaluation.total",
		metric.WithDescription("Gate map evaluations by whether anything changed"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, err
	}

	m.changes, err = meter.Int64Counter(
		"gates.change.total",
		metric.WithDescription("Gate flips by gate"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	m.evaluatorErrors, err = meter.Int64Counter(
		"gates.evaluator.errors",
		metric.WithDescription("Gate evaluators that failed or panicked"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.triggersDropped, err = meter.Int64Counter(
		"gates.trigger.dropped",
		metric.WithDescription("Background triggers dropped by the rate limiter"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordEvaluation records one EvaluateAllGates call.
func (m *Metrics) RecordEvaluation(ctx context.Context, changes int) {
	if m == nil || !m.initialized {
		return
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changes > 0)))
}

// RecordChange records a gate flip.
func (m *Metrics) RecordChange(ctx context.Context, gate model.GateID) {
	if m == nil || !m.initialized {
		return
	}
	m.changes.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", string(gate))))
}

// RecordEvaluatorError records a failed evaluator.
func (m *Metrics) RecordEvaluatorError(ctx context.Context, gate model.GateID) {
	if m == nil || !m.initialized {
		return
	}
	m.evaluatorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", string(gate))))
}

// RecordTriggerDropped records a rate-limited trigger.
func (m *Metrics) RecordTriggerDropped(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.triggersDropped.Add(ctx, 1)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
