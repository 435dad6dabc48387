package manager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/smallnest/checkpointgo/log"
)

// MetricsRecorder records checkpoint operation metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordOperation records one store operation with its duration and
	// error status.
	RecordOperation(ctx context.Context, op string, duration time.Duration, err error)

	// RecordStateSize records the serialized state size of a saved or
	// loaded checkpoint.
	RecordStateSize(ctx context.Context, op string, sizeBytes int64)
}

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordOperation does nothing.
func (NoopMetrics) RecordOperation(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordStateSize does nothing.
func (NoopMetrics) RecordStateSize(_ context.Context, _ string, _ int64) {}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	operations metric.Int64Counter
	latency    metric.Float64Histogram
	errors     metric.Int64Counter
	stateSize  metric.Int64Histogram
}

// newOtelMetrics creates the instruments on the global meter provider.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("checkpointgo")

	operations, err := meter.Int64Counter("checkpoint.operations",
		metric.WithDescription("Number of checkpoint store operations"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("checkpoint.operation.latency_ms",
		metric.WithDescription("Checkpoint operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter("checkpoint.operation.errors",
		metric.WithDescription("Number of failed checkpoint operations"),
	)
	if err != nil {
		return nil, err
	}

	stateSize, err := meter.Int64Histogram("checkpoint.state.size_bytes",
		metric.WithDescription("Serialized checkpoint state size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		operations: operations,
		latency:    latency,
		errors:     errCounter,
		stateSize:  stateSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If instrument creation fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := newOtelMetrics()
	if err != nil {
		log.Quietly(func() {
			log.Warn("metrics initialization failed, using no-op recorder: %v", err)
		})
		return NoopMetrics{}
	}
	return m
}

// RecordOperation records one store operation.
func (m *otelMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
	}

	m.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, float64(duration.Microseconds())/1000.0, metric.WithAttributes(attrs...))

	if err != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordStateSize records a serialized state size.
func (m *otelMetrics) RecordStateSize(ctx context.Context, op string, sizeBytes int64) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
	}
	m.stateSize.Record(ctx, sizeBytes, metric.WithAttributes(attrs...))
}
