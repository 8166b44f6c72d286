package telemetry

import (
	"context"

	"github.com/glimte/mmate-bus/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name used by the bus
const InstrumentationName = "github.com/glimte/mmate-bus"

// Attribute keys set on bus spans
const (
	AttrMessageID      = attribute.Key("messaging.message.id")
	AttrMessageType    = attribute.Key("messaging.message.type")
	AttrCorrelationID  = attribute.Key("messaging.message.conversation_id")
	AttrDestination    = attribute.Key("messaging.destination.name")
	AttrOperation      = attribute.Key("messaging.operation.name")
	AttrEnvelopeStatus = attribute.Key("mmate.envelope.status")
)

// Tracer returns the bus tracer from tp, or from the global provider when tp is nil
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// StartSpan starts a span for operation on env
func StartSpan(ctx context.Context, tracer trace.Tracer, operation string, env *contracts.Envelope, kind trace.SpanKind) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrOperation.String(operation)}
	if env != nil {
		attrs = append(attrs,
			AttrMessageID.String(env.ID),
			AttrMessageType.String(env.MessageType),
			AttrCorrelationID.String(env.CorrelationID),
		)
		if addr := env.Address(); addr != "" {
			attrs = append(attrs, AttrDestination.String(addr))
		}
	}

	return tracer.Start(ctx, "mmate."+operation,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// End records err on span, if any, and ends it
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Inject writes the trace context of ctx into the envelope headers
func Inject(ctx context.Context, env *contracts.Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	propagator().Inject(ctx, propagation.MapCarrier(env.Headers))
}

// Extract returns ctx carrying the trace context found in the envelope headers
func Extract(ctx context.Context, env *contracts.Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return propagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}

func propagator() propagation.TextMapPropagator {
	if p := otel.GetTextMapPropagator(); len(p.Fields()) > 0 {
		return p
	}
	return propagation.TraceContext{}
}
