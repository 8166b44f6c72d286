package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records bus metrics through an OTel meter
type MetricsCollector struct {
	dispatched       metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	handled          metric.Int64Counter
	handleDuration   metric.Float64Histogram
	errors           metric.Int64Counter
}

// NewMetricsCollector creates the bus instruments on mp, or on the global provider when mp is nil
func NewMetricsCollector(mp metric.MeterProvider) (*MetricsCollector, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	c := &MetricsCollector{}
	var err error

	if c.dispatched, err = meter.Int64Counter("mmate.dispatched",
		metric.WithDescription("Outgoing effects by operation and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	if c.dispatchDuration, err = meter.Float64Histogram("mmate.dispatch.duration",
		metric.WithDescription("Time spent dispatching one outgoing effect"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create dispatch duration histogram: %w", err)
	}
	if c.handled, err = meter.Int64Counter("mmate.handled",
		metric.WithDescription("Local handler executions by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create handled counter: %w", err)
	}
	if c.handleDuration, err = meter.Float64Histogram("mmate.handle.duration",
		metric.WithDescription("Local handler execution time"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create handle duration histogram: %w", err)
	}
	if c.errors, err = meter.Int64Counter("mmate.errors",
		metric.WithDescription("Errors by component and type")); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	return c, nil
}

// RecordDispatch records one outgoing effect
func (c *MetricsCollector) RecordDispatch(operation, messageType string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("messageType", messageType),
		attribute.Bool("success", success),
	)
	ctx := context.Background()
	c.dispatched.Add(ctx, 1, attrs)
	c.dispatchDuration.Record(ctx, milliseconds(duration), attrs)
}

// RecordHandled records a local handler execution
func (c *MetricsCollector) RecordHandled(messageType string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("messageType", messageType),
		attribute.Bool("success", success),
	)
	ctx := context.Background()
	c.handled.Add(ctx, 1, attrs)
	c.handleDuration.Record(ctx, milliseconds(duration), attrs)
}

// RecordError records an error
func (c *MetricsCollector) RecordError(component, errorType string) {
	c.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("errorType", errorType),
	))
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
