package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// BusContext is the MessageContext handed to handlers. Everything sent through
// it joins the conversation of the envelope being handled.
//
// A BusContext keeps every envelope produced while it is in scope, bucketed
// the same way as messagingtest.Recorder:
//
//   - Invoke and InvokeForResult: Invoked
//   - Enqueue, EnqueueTo and Schedule: Enqueued
//   - implicit Send, SendAndWait and Request: Sent
//   - Publish, SchedulePublish and explicitly addressed sends: Published
//   - RespondToSender: ResponsesToSender
//
// Only operations that succeeded are kept. Calls made on the Bus with a
// handler's ctx land in that handler's context too.
type BusContext struct {
	bus      *Bus
	incoming *contracts.Envelope

	mu        sync.Mutex
	invoked   []any
	enqueued  []*contracts.Envelope
	sent      []*contracts.Envelope
	published []*contracts.Envelope
	responses []*contracts.Envelope
}

type bucket int

const (
	bucketEnqueued bucket = iota
	bucketSent
	bucketPublished
	bucketResponses
)

// routeBucket is the bucket of a routed send or publish
func routeBucket(op string, explicit bool) bucket {
	if op == "send" && !explicit {
		return bucketSent
	}
	return bucketPublished
}

var _ MessageContext = (*BusContext)(nil)

type messageContextKey struct{}

func withMessageContext(ctx context.Context, mc MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// FromContext returns the MessageContext of the handler running with ctx
func FromContext(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}

func contextOf(ctx context.Context) *BusContext {
	c, _ := ctx.Value(messageContextKey{}).(*BusContext)
	return c
}

func recordInvoked(ctx context.Context, msg any) {
	if c := contextOf(ctx); c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.invoked = append(c.invoked, msg)
	}
}

func recordOutgoing(ctx context.Context, b bucket, env *contracts.Envelope) {
	c := contextOf(ctx)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch b {
	case bucketEnqueued:
		c.enqueued = append(c.enqueued, env)
	case bucketSent:
		c.sent = append(c.sent, env)
	case bucketPublished:
		c.published = append(c.published, env)
	case bucketResponses:
		c.responses = append(c.responses, env)
	}
}

func (c *BusContext) scope(ctx context.Context) context.Context {
	if contextOf(ctx) != c {
		ctx = withMessageContext(ctx, c)
	}
	if c.incoming == nil || contracts.EnvelopeFromContext(ctx) == c.incoming {
		return ctx
	}
	return contracts.WithEnvelope(ctx, c.incoming)
}

// Invoked returns the messages executed inline, in call order
func (c *BusContext) Invoked() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.invoked...)
}

// Enqueued returns the envelopes enqueued or scheduled locally
func (c *BusContext) Enqueued() []*contracts.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Envelope(nil), c.enqueued...)
}

// Sent returns envelopes sent with implicit routing or awaiting a reply
func (c *BusContext) Sent() []*contracts.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Envelope(nil), c.sent...)
}

// Published returns published, scheduled-published and explicitly addressed envelopes
func (c *BusContext) Published() []*contracts.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Envelope(nil), c.published...)
}

// ResponsesToSender returns the replies to the handled message
func (c *BusContext) ResponsesToSender() []*contracts.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Envelope(nil), c.responses...)
}

// AllOutgoing returns published, then sent, then responses
func (c *BusContext) AllOutgoing() []*contracts.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*contracts.Envelope, 0, len(c.published)+len(c.sent)+len(c.responses))
	out = append(out, c.published...)
	out = append(out, c.sent...)
	return append(out, c.responses...)
}

// Envelope implements MessageContext
func (c *BusContext) Envelope() *contracts.Envelope {
	return c.incoming
}

// CorrelationID implements MessageContext
func (c *BusContext) CorrelationID() string {
	if c.incoming == nil {
		return ""
	}
	return c.incoming.CorrelationID
}

// Invoke implements CommandBus
func (c *BusContext) Invoke(ctx context.Context, msg any) error {
	return c.bus.Invoke(c.scope(ctx), msg)
}

// InvokeForResult implements CommandBus
func (c *BusContext) InvokeForResult(ctx context.Context, msg any) (any, error) {
	return c.bus.InvokeForResult(c.scope(ctx), msg)
}

// Enqueue implements CommandBus
func (c *BusContext) Enqueue(ctx context.Context, msg any) error {
	return c.bus.Enqueue(c.scope(ctx), msg)
}

// EnqueueTo implements CommandBus
func (c *BusContext) EnqueueTo(ctx context.Context, msg any, queue string) error {
	return c.bus.EnqueueTo(c.scope(ctx), msg, queue)
}

// Schedule implements CommandBus
func (c *BusContext) Schedule(ctx context.Context, msg any, schedule contracts.Schedule) (string, error) {
	return c.bus.Schedule(c.scope(ctx), msg, schedule)
}

// Send implements MessagePublisher
func (c *BusContext) Send(ctx context.Context, d Delivery) error {
	return c.bus.Send(c.scope(ctx), d)
}

// Publish implements MessagePublisher
func (c *BusContext) Publish(ctx context.Context, d Delivery) error {
	return c.bus.Publish(c.scope(ctx), d)
}

// SchedulePublish implements MessagePublisher
func (c *BusContext) SchedulePublish(ctx context.Context, d Delivery, schedule contracts.Schedule) error {
	return c.bus.SchedulePublish(c.scope(ctx), d, schedule)
}

// SendAndWait implements MessagePublisher
func (c *BusContext) SendAndWait(ctx context.Context, d Delivery, timeout time.Duration) (contracts.Acknowledgement, error) {
	return c.bus.SendAndWait(c.scope(ctx), d, timeout)
}

// Request implements MessagePublisher
func (c *BusContext) Request(ctx context.Context, d Delivery, timeout time.Duration) (any, error) {
	return c.bus.Request(c.scope(ctx), d, timeout)
}

// RespondToSender implements MessageContext
func (c *BusContext) RespondToSender(ctx context.Context, response any) error {
	return c.bus.respond(c.scope(ctx), c.incoming, response)
}
