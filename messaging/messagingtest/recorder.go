// Package messagingtest provides a recording MessageContext for testing
// handlers without a bus, broker or local queues.
package messagingtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// Recorder implements messaging.MessageContext by recording every effect instead
// of performing it. Each operation lands in exactly one bucket:
//
//   - Invoke and InvokeForResult: Invoked
//   - Enqueue, EnqueueTo and Schedule: Enqueued
//   - implicit Send and SendAndWait: Sent
//   - Publish, SchedulePublish and explicitly addressed sends: Published
//   - RespondToSender: ResponsesToSender
//
// Nothing is delivered, so Request always fails with contracts.ErrUnsupportedOperation.
type Recorder struct {
	incoming *contracts.Envelope
	clock    func() time.Time

	mu        sync.Mutex
	invoked   []any
	enqueued  []*contracts.Envelope
	sent      []*contracts.Envelope
	published []*contracts.Envelope
	responses []*contracts.Envelope
	stubs     map[reflect.Type]any
}

var _ messaging.MessageContext = (*Recorder)(nil)

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithClock sets the time source used for acknowledgements
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.clock = now
	}
}

// WithIncoming records effects as if incoming were the envelope being handled
func WithIncoming(incoming *contracts.Envelope) RecorderOption {
	return func(r *Recorder) {
		r.incoming = incoming
	}
}

// NewRecorder creates a recorder handling msg. msg may be nil when the code
// under test does not care about the incoming message. Unless WithIncoming is
// given, the incoming envelope expects a reply, so RespondToSender is recorded.
func NewRecorder(msg any, options ...RecorderOption) *Recorder {
	r := &Recorder{
		clock: time.Now,
		stubs: make(map[reflect.Type]any),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.incoming == nil {
		r.incoming = contracts.NewEnvelope(context.Background(), msg)
		r.incoming.ReplyURI = contracts.LocalQueueURI(messaging.ReplyQueue)
	}
	return r
}

// StubResult makes InvokeForResult return result for messages of the same type as sample
func (r *Recorder) StubResult(sample, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs[reflect.TypeOf(sample)] = result
}

// Reset clears every bucket. Stubs are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.invoked = nil
	r.enqueued = nil
	r.sent = nil
	r.published = nil
	r.responses = nil
}

// Envelope implements messaging.MessageContext
func (r *Recorder) Envelope() *contracts.Envelope {
	return r.incoming
}

// CorrelationID implements messaging.MessageContext
func (r *Recorder) CorrelationID() string {
	return r.incoming.CorrelationID
}

// Invoke implements messaging.CommandBus
func (r *Recorder) Invoke(_ context.Context, msg any) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoked = append(r.invoked, msg)
	return nil
}

// InvokeForResult implements messaging.CommandBus. Without a stub for the
// message type it fails with contracts.ErrUnsupportedOperation.
func (r *Recorder) InvokeForResult(_ context.Context, msg any) (any, error) {
	if msg == nil {
		return nil, contracts.ErrNilMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result, ok := r.stubs[reflect.TypeOf(msg)]
	if !ok {
		return nil, contracts.Unsupported("invoke for result", fmt.Sprintf("no stubbed result for %T", msg))
	}
	r.invoked = append(r.invoked, msg)
	return result, nil
}

// Enqueue implements messaging.CommandBus
func (r *Recorder) Enqueue(ctx context.Context, msg any) error {
	return r.EnqueueTo(ctx, msg, contracts.DefaultLocalQueue)
}

// EnqueueTo implements messaging.CommandBus
func (r *Recorder) EnqueueTo(ctx context.Context, msg any, queue string) error {
	if strings.TrimSpace(queue) == "" {
		return &contracts.AddressingError{Mode: "queue", Reason: "queue name is required"}
	}
	if msg == nil {
		return contracts.ErrNilMessage
	}

	env := r.newEnvelope(ctx, msg)
	env.Destination = contracts.LocalQueueURI(queue)
	r.record(&r.enqueued, env)
	return nil
}

// Schedule implements messaging.CommandBus
func (r *Recorder) Schedule(ctx context.Context, msg any, schedule contracts.Schedule) (string, error) {
	if err := schedule.Validate(); err != nil {
		return "", err
	}
	if msg == nil {
		return "", contracts.ErrNilMessage
	}

	env := r.newEnvelope(ctx, msg)
	env.Destination = contracts.LocalQueueURI(contracts.DefaultLocalQueue)
	schedule.Apply(env)
	r.record(&r.enqueued, env)
	return env.ID, nil
}

// Send implements messaging.MessagePublisher
func (r *Recorder) Send(ctx context.Context, d messaging.Delivery) error {
	env, err := r.envelope(ctx, d)
	if err != nil {
		return err
	}
	if d.Route.Explicit() {
		r.record(&r.published, env)
	} else {
		r.record(&r.sent, env)
	}
	return nil
}

// Publish implements messaging.MessagePublisher
func (r *Recorder) Publish(ctx context.Context, d messaging.Delivery) error {
	env, err := r.envelope(ctx, d)
	if err != nil {
		return err
	}
	r.record(&r.published, env)
	return nil
}

// SchedulePublish implements messaging.MessagePublisher
func (r *Recorder) SchedulePublish(ctx context.Context, d messaging.Delivery, schedule contracts.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	env, err := r.envelope(ctx, d)
	if err != nil {
		return err
	}
	schedule.Apply(env)
	r.record(&r.published, env)
	return nil
}

// SendAndWait implements messaging.MessagePublisher. The envelope is recorded
// as sent and acknowledged immediately.
func (r *Recorder) SendAndWait(ctx context.Context, d messaging.Delivery, _ time.Duration) (contracts.Acknowledgement, error) {
	env, err := r.envelope(ctx, d)
	if err != nil {
		return contracts.Acknowledgement{}, err
	}
	env.AckRequested = true
	r.record(&r.sent, env)
	return contracts.NewAcknowledgement(env, r.clock()), nil
}

// Request implements messaging.MessagePublisher. The recorder cannot produce
// replies, so it always fails with contracts.ErrUnsupportedOperation once the
// delivery is valid. Nothing is recorded.
func (r *Recorder) Request(ctx context.Context, d messaging.Delivery, _ time.Duration) (any, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return nil, contracts.Unsupported("request", "the recorder does not correlate replies")
}

// RespondToSender implements messaging.MessageContext. Like the bus, it fails
// with an addressing error when the incoming envelope has no reply address.
func (r *Recorder) RespondToSender(ctx context.Context, response any) error {
	if response == nil {
		return contracts.ErrNilMessage
	}
	if r.incoming.ReplyURI == nil {
		return &contracts.AddressingError{Mode: "reply", Reason: "the message being handled has no reply address"}
	}

	env := r.newEnvelope(ctx, response)
	env.Destination = r.incoming.ReplyURI
	env.SetHeader(messaging.HeaderInReplyTo, r.incoming.ID)
	r.record(&r.responses, env)
	return nil
}

func (r *Recorder) scope(ctx context.Context) context.Context {
	if contracts.EnvelopeFromContext(ctx) != nil {
		return ctx
	}
	return contracts.WithEnvelope(ctx, r.incoming)
}

func (r *Recorder) newEnvelope(ctx context.Context, msg any) *contracts.Envelope {
	return contracts.NewEnvelope(r.scope(ctx), msg)
}

func (r *Recorder) envelope(ctx context.Context, d messaging.Delivery) (*contracts.Envelope, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d.Envelope(r.scope(ctx)), nil
}

func (r *Recorder) record(bucket *[]*contracts.Envelope, env *contracts.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*bucket = append(*bucket, env)
}
