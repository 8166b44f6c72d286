package contracts

import "context"

type correlationKey struct{}

type envelopeKey struct{}

// WithCorrelationID carries the correlation ID of an originating flow
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation ID carried by ctx, if any
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithEnvelope marks env as the in-flight envelope being handled by this flow.
// Envelopes created from the returned context join its conversation and correlation.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, envelopeKey{}, env)
	if env != nil && env.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, env.CorrelationID)
	}
	return ctx
}

// EnvelopeFromContext returns the in-flight envelope carried by ctx, if any
func EnvelopeFromContext(ctx context.Context) *Envelope {
	if ctx == nil {
		return nil
	}
	env, _ := ctx.Value(envelopeKey{}).(*Envelope)
	return env
}
