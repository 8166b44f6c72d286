package messaging

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// CommandBus executes messages locally, queues them in process or schedules them
type CommandBus interface {
	// Invoke handles msg inline with the registered handler
	Invoke(ctx context.Context, msg any) error

	// InvokeForResult handles msg inline and returns the handler's result
	InvokeForResult(ctx context.Context, msg any) (any, error)

	// Enqueue places msg on the default local queue
	Enqueue(ctx context.Context, msg any) error

	// EnqueueTo places msg on the named local queue
	EnqueueTo(ctx context.Context, msg any, queue string) error

	// Schedule queues msg locally once the schedule is due and returns the envelope ID
	Schedule(ctx context.Context, msg any, schedule contracts.Schedule) (string, error)
}

// MessagePublisher sends and publishes messages to subscribers or explicit addresses
type MessagePublisher interface {
	// Send delivers to the route of d. Implicit sends may require a subscriber.
	Send(ctx context.Context, d Delivery) error

	// Publish delivers to every subscriber of the message type or to the route of d.
	// It never fails for lack of subscribers.
	Publish(ctx context.Context, d Delivery) error

	// SchedulePublish publishes once the schedule is due
	SchedulePublish(ctx context.Context, d Delivery, schedule contracts.Schedule) error

	// SendAndWait sends and blocks until the receiver acknowledges, the timeout
	// elapses or ctx is cancelled.
	SendAndWait(ctx context.Context, d Delivery, timeout time.Duration) (contracts.Acknowledgement, error)

	// Request sends and blocks for the receiver's reply
	Request(ctx context.Context, d Delivery, timeout time.Duration) (any, error)
}

// MessageContext is the capability set handed to application code while it handles a message
type MessageContext interface {
	CommandBus
	MessagePublisher

	// RespondToSender sends response to the reply address of the message being handled
	RespondToSender(ctx context.Context, response any) error

	// Envelope returns the envelope being handled, or nil outside a handler
	Envelope() *contracts.Envelope

	// CorrelationID returns the correlation ID of the current flow
	CorrelationID() string
}

// InvokeAs invokes msg and converts the result to T
func InvokeAs[T any](ctx context.Context, bus CommandBus, msg any) (T, error) {
	var zero T
	result, err := bus.InvokeForResult(ctx, msg)
	if err != nil {
		return zero, err
	}
	return convertResult[T](result)
}

// RequestAs sends a request and converts the reply to T
func RequestAs[T any](ctx context.Context, publisher MessagePublisher, d Delivery, timeout time.Duration) (T, error) {
	var zero T
	opts := &contracts.DeliveryOptions{}
	if d.Options != nil {
		*opts = *d.Options
		opts.Headers = maps.Clone(d.Options.Headers)
	}
	d.Options = opts.WithHeader(HeaderReplyRequested, typeNameOf[T]())

	reply, err := publisher.Request(ctx, d, timeout)
	if err != nil {
		return zero, err
	}
	return convertResult[T](reply)
}

// SendTo sends msg to an explicit destination
func SendTo(ctx context.Context, publisher MessagePublisher, destination string, msg any, opts *contracts.DeliveryOptions) error {
	uri, err := contracts.ParseDestination(destination)
	if err != nil {
		return err
	}
	return publisher.Send(ctx, DeliveryTo(uri, msg).WithOptions(opts))
}

// SendToEndpoint sends msg to a named endpoint
func SendToEndpoint(ctx context.Context, publisher MessagePublisher, endpoint string, msg any, opts *contracts.DeliveryOptions) error {
	return publisher.Send(ctx, DeliveryToEndpoint(endpoint, msg).WithOptions(opts))
}

// SendToTopic sends msg to a named topic
func SendToTopic(ctx context.Context, publisher MessagePublisher, topic string, msg any, opts *contracts.DeliveryOptions) error {
	return publisher.Send(ctx, DeliveryToTopic(topic, msg).WithOptions(opts))
}

func typeNameOf[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

func convertResult[T any](result any) (T, error) {
	var zero T
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("%w: result is %T, not %T", ErrUnexpectedResult, result, zero)
	}
	return typed, nil
}

// MetricsCollector collects bus metrics
type MetricsCollector interface {
	// RecordDispatch records one outgoing effect: invoke, enqueue, send, publish or schedule
	RecordDispatch(operation, messageType string, duration time.Duration, success bool)

	// RecordHandled records a local handler execution
	RecordHandled(messageType string, duration time.Duration, success bool)

	// RecordError records an error metric
	RecordError(component, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordDispatch does nothing
func (NoOpMetricsCollector) RecordDispatch(operation, messageType string, duration time.Duration, success bool) {
}

// RecordHandled does nothing
func (NoOpMetricsCollector) RecordHandled(messageType string, duration time.Duration, success bool) {}

// RecordError does nothing
func (NoOpMetricsCollector) RecordError(component, errorType string) {}
