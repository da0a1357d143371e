package readiness

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"

// Metrics provides OpenTelemetry metrics for the readiness engine.
type Metrics struct {
	transfersTotal metric.Int64Counter
	wuTransferred  metric.Float64Counter
	allocations    metric.Int64Counter
	projectScore   metric.Float64Histogram

	initialized bool
}

// NewMetrics creates the readiness instruments. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.transfersTotal, err = meter.Int64Counter(
		"readiness.wu.transfer.total",
		metric.WithDescription("WU transfer attempts by outcome"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		return nil, err
	}

	m.wuTransferred, err = meter.Float64Counter(
		"readiness.wu.transferred",
		metric.WithDescription("Work units moved from the formula pool to the verified pool"),
		metric.WithUnit("{wu}"),
	)
	if err != nil {
		return nil, err
	}

	m.allocations, err = meter.Int64Counter(
		"readiness.wu.allocation.total",
		metric.WithDescription("WU allocation requests by outcome"),
		metric.WithUnit("{allocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.projectScore, err = meter.Float64Histogram(
		"readiness.project.score",
		metric.WithDescription("Computed project R score"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.2, 0.4, 0.6, 0.8, 1.0),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordTransfer records a transfer attempt.
func (m *Metrics) RecordTransfer(ctx context.Context, outcome string, amount float64) {
	if m == nil || !m.initialized {
		return
	}
	m.transfersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if amount > 0 {
		m.wuTransferred.Add(ctx, amount)
	}
}

// RecordAllocation records an allocation request.
func (m *Metrics) RecordAllocation(ctx context.Context, success bool) {
	if m == nil || !m.initialized {
		return
	}
	m.allocations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordProjectScore records a computed project R.
func (m *Metrics) RecordProjectScore(ctx context.Context, r float64) {
	if m == nil || !m.initialized {
		return
	}
	m.projectScore.Record(ctx, r)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
