package transition

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/transition"

// Metrics provides OpenTelemetry metrics for phase transitions.
type Metrics struct {
	finalizes         metric.Int64Counter
	finalizeDuration  metric.Float64Histogram
	reassesses        metric.Int64Counter
	sideEffectFailure metric.Int64Counter

	initialized bool
}

// NewMetrics creates the transition instruments. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.finalizes, err = meter.Int64Counter(
		"transition.finalize.total",
		metric.WithDescription("Finalize attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.finalizeDuration, err = meter.Float64Histogram(
		"transition.finalize.duration",
		metric.WithDescription("Duration of finalize attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	m.reassesses, err = meter.Int64Counter(
		"transition.reassess.total",
		metric.WithDescription("Applied regressions by whether a review summary was required"),
		metric.WithUnit("{regression}"),
	)
	if err != nil {
		return nil, err
	}

	m.sideEffectFailure, err = meter.Int64Counter(
		"transition.side_effect.errors",
		metric.WithDescription("Finalize side effects that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordFinalize records a finalize attempt.
func (m *Metrics) RecordFinalize(ctx context.Context, outcome Outcome, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.finalizes.Add(ctx, 1, attrs)
	m.finalizeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordReassess records an applied regression.
func (m *Metrics) RecordReassess(ctx context.Context, from, to model.Phase, escalated bool) {
	if m == nil || !m.initialized {
		return
	}
	m.reassesses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.Bool("escalated", escalated),
	))
}

// RecordSideEffectFailure records a failed finalize side effect.
func (m *Metrics) RecordSideEffectFailure(ctx context.Context, phase model.Phase) {
	if m == nil || !m.initialized {
		return
	}
	m.sideEffectFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
