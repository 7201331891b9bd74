package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OperationMetrics holds the instruments recorded around every operation of
// one component (the KV index manager, the session service).
type OperationMetrics struct {
	StartedCounter      metric.Int64Counter
	HandledCounter      metric.Int64Counter
	LatencyHistogram    metric.Int64Histogram
	ActiveUpDownCounter metric.Int64UpDownCounter

	tracer    trace.Tracer
	component string
}

// NewOperationMetrics creates and registers the instruments for component.
func NewOperationMetrics(meter metric.Meter, tracer trace.Tracer, component string) (*OperationMetrics, error) {
	started, err := meter.Int64Counter(
		"minidb."+component+".started_total",
		metric.WithDescription("Total number of operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter(
		"minidb."+component+".handled_total",
		metric.WithDescription("Total number of operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"minidb."+component+".duration",
		metric.WithDescription("The latency of operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"minidb."+component+".active",
		metric.WithDescription("Number of operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &OperationMetrics{
		StartedCounter:      started,
		HandledCounter:      handled,
		LatencyHistogram:    latency,
		ActiveUpDownCounter: active,
		tracer:              tracer,
		component:           component,
	}, nil
}

// StartMetricsAndTrace begins the telemetry recording for operation.
// It returns a new context, the trace span, and the start time.
func (m *OperationMetrics) StartMetricsAndTrace(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("minidb.component", m.component),
		attribute.String("minidb.operation", operation),
	)
	m.ActiveUpDownCounter.Add(ctx, 1, attrs)
	m.StartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, m.component+"/"+operation, trace.WithAttributes(
		attribute.String("minidb.component", m.component),
		attribute.String("minidb.operation", operation),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for operation. A nil
// err records the operation as successful.
func (m *OperationMetrics) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, operation string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.ActiveUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("minidb.component", m.component),
		attribute.String("minidb.operation", operation),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("minidb.component", m.component),
		attribute.String("minidb.operation", operation),
		attribute.String("minidb.code", statusCode.String()),
	)
	m.LatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.HandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
