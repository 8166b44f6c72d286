package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/internal/telemetry"
	"github.com/trickstertwo/xclock"
	"go.opentelemetry.io/otel/trace"
)

// ReplyQueue is the reserved local address stamped on envelopes whose replies
// go straight back to a waiting caller in this process
const ReplyQueue = "replies"

// Bus is the dispatching implementation of CommandBus and MessagePublisher.
// Local handlers run through the interceptor chain; outgoing envelopes are
// routed to senders, held by the scheduler or queued in process.
type Bus struct {
	dispatcher *MessageDispatcher
	router     *Router
	queues     *LocalQueues
	scheduler  *Scheduler
	replies    *ReplyTracker

	chain   *interceptors.InterceptorChain
	breaker *reliability.CircuitBreaker
	metrics MetricsCollector
	tracer  trace.Tracer
	clock   Clock
	logger  *slog.Logger

	source            string
	replyURI          *url.URL
	requireSubscriber bool
	queueOptions      []LocalQueueOption
	closed            atomic.Bool
}

// BusOption configures the Bus
type BusOption func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithClock sets the clock used for scheduling and expiry
func WithClock(clock Clock) BusOption {
	return func(b *Bus) {
		b.clock = clock
	}
}

// WithTracer sets the tracer for dispatch spans
func WithTracer(tracer trace.Tracer) BusOption {
	return func(b *Bus) {
		b.tracer = tracer
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BusOption {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithCircuitBreaker guards transport sends. Local queues are never guarded.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BusOption {
	return func(b *Bus) {
		b.breaker = cb
	}
}

// WithInterceptors sets the chain that wraps every local handler execution
func WithInterceptors(chain *interceptors.InterceptorChain) BusOption {
	return func(b *Bus) {
		b.chain = chain
	}
}

// WithRequireSubscriber makes implicit sends fail with ErrNoSubscribers when
// no route exists for the message type. Publish is never affected.
func WithRequireSubscriber(require bool) BusOption {
	return func(b *Bus) {
		b.requireSubscriber = require
	}
}

// WithReplyURI sets the address remote receivers reply to
func WithReplyURI(uri *url.URL) BusOption {
	return func(b *Bus) {
		b.replyURI = uri
	}
}

// WithSource sets the source stamped on outgoing envelopes
func WithSource(source string) BusOption {
	return func(b *Bus) {
		b.source = source
	}
}

// WithLocalQueueOptions configures the local queues
func WithLocalQueueOptions(options ...LocalQueueOption) BusOption {
	return func(b *Bus) {
		b.queueOptions = append(b.queueOptions, options...)
	}
}

// NewBus creates a bus. Register handlers on Dispatcher() and routes on Router().
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		metrics: NoOpMetricsCollector{},
		clock:   xclock.Default(),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.tracer == nil {
		b.tracer = telemetry.Tracer(nil)
	}
	b.dispatcher = NewMessageDispatcher(WithDispatcherLogger(b.logger))
	b.queues = NewLocalQueues(b.processEnvelope, append([]LocalQueueOption{WithQueueLogger(b.logger)}, b.queueOptions...)...)
	b.router = NewRouter(b.queues, b.logger)
	b.scheduler = NewScheduler(b.clock, b.logger)
	b.replies = NewReplyTracker(b.logger)

	return b
}

// Dispatcher returns the handler registry
func (b *Bus) Dispatcher() *MessageDispatcher {
	return b.dispatcher
}

// Router returns the routing table
func (b *Bus) Router() *Router {
	return b.router
}

// PendingScheduled lists scheduled envelopes held in memory
func (b *Bus) PendingScheduled() []ScheduledEnvelope {
	return b.scheduler.Pending()
}

// CancelScheduled cancels a scheduled envelope held in memory
func (b *Bus) CancelScheduled(envelopeID string) bool {
	return b.scheduler.Cancel(envelopeID)
}

// CompleteReply resolves a pending SendAndWait or Request. Inbound listeners
// call it when an acknowledgement or reply for envelopeID arrives.
func (b *Bus) CompleteReply(envelopeID string, result any, err error) bool {
	return b.replies.Complete(envelopeID, Reply{Result: result, Err: err, ReceivedAt: b.clock.Now()})
}

// NewContext returns the capability set for handling incoming
func (b *Bus) NewContext(incoming *contracts.Envelope) *BusContext {
	return &BusContext{bus: b, incoming: incoming}
}

// Close stops the scheduler and the local queue workers
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.scheduler.Close()

	done := make(chan struct{})
	go func() {
		b.queues.Close()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus closed")
		return nil
	case <-ctx.Done():
		return contracts.Cancelled("close", ctx.Err())
	}
}

// Invoke implements CommandBus
func (b *Bus) Invoke(ctx context.Context, msg any) error {
	_, err := b.InvokeForResult(ctx, msg)
	return err
}

// InvokeForResult implements CommandBus
func (b *Bus) InvokeForResult(ctx context.Context, msg any) (any, error) {
	if msg == nil {
		return nil, contracts.ErrNilMessage
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	recordInvoked(ctx, msg)

	env := b.newEnvelope(ctx, msg)
	start := b.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, b.tracer, "invoke", env, trace.SpanKindInternal)

	result, err := b.handle(ctx, env)

	telemetry.End(span, err)
	b.metrics.RecordDispatch("invoke", env.MessageType, b.clock.Now().Sub(start), err == nil)
	return result, err
}

// Enqueue implements CommandBus
func (b *Bus) Enqueue(ctx context.Context, msg any) error {
	return b.EnqueueTo(ctx, msg, contracts.DefaultLocalQueue)
}

// EnqueueTo implements CommandBus
func (b *Bus) EnqueueTo(ctx context.Context, msg any, queue string) error {
	if strings.TrimSpace(queue) == "" {
		return &contracts.AddressingError{Mode: "queue", Reason: "queue name is required"}
	}
	if msg == nil {
		return contracts.ErrNilMessage
	}
	if !b.dispatcher.HasHandler(msg) {
		return fmt.Errorf("%w: %s", ErrNoHandler, contracts.TypeName(msg))
	}

	env := b.newEnvelope(ctx, msg)
	env.Destination = contracts.LocalQueueURI(queue)
	if err := b.dispatch(ctx, "enqueue", env, []Sender{b.queues.Sender(queue)}); err != nil {
		return err
	}
	recordOutgoing(ctx, bucketEnqueued, env)
	return nil
}

// Schedule implements CommandBus. The returned ID is the envelope ID and can be passed to CancelScheduled.
func (b *Bus) Schedule(ctx context.Context, msg any, schedule contracts.Schedule) (string, error) {
	if err := schedule.Validate(); err != nil {
		return "", err
	}
	if msg == nil {
		return "", contracts.ErrNilMessage
	}
	if !b.dispatcher.HasHandler(msg) {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, contracts.TypeName(msg))
	}

	env := b.newEnvelope(ctx, msg)
	env.Destination = contracts.LocalQueueURI(contracts.DefaultLocalQueue)
	schedule.Apply(env)

	if err := b.dispatch(ctx, "schedule", env, []Sender{b.queues.Sender(contracts.DefaultLocalQueue)}); err != nil {
		return "", err
	}
	recordOutgoing(ctx, bucketEnqueued, env)
	return env.ID, nil
}

// Send implements MessagePublisher
func (b *Bus) Send(ctx context.Context, d Delivery) error {
	return b.route(ctx, "send", d, nil, b.requireSubscriber && !d.Route.Explicit())
}

// Publish implements MessagePublisher
func (b *Bus) Publish(ctx context.Context, d Delivery) error {
	return b.route(ctx, "publish", d, nil, false)
}

// SchedulePublish implements MessagePublisher
func (b *Bus) SchedulePublish(ctx context.Context, d Delivery, schedule contracts.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	return b.route(ctx, "schedule-publish", d, &schedule, false)
}

func (b *Bus) route(ctx context.Context, op string, d Delivery, schedule *contracts.Schedule, requireSubscriber bool) error {
	env, err := b.prepare(ctx, d)
	if err != nil {
		return err
	}
	if schedule != nil {
		schedule.Apply(env)
	}

	senders, err := b.targets(env)
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		if requireSubscriber {
			return fmt.Errorf("%w: %s", ErrNoSubscribers, env.MessageType)
		}
		b.logger.Warn("no subscribers for message",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"operation", op,
		)
	} else if err := b.dispatch(ctx, op, env, senders); err != nil {
		return err
	}

	recordOutgoing(ctx, routeBucket(op, d.Route.Explicit()), env)
	return nil
}

// SendAndWait implements MessagePublisher
func (b *Bus) SendAndWait(ctx context.Context, d Delivery, timeout time.Duration) (contracts.Acknowledgement, error) {
	const op = "send and wait"

	env, sender, err := b.prepareReply(ctx, op, d)
	if err != nil {
		return contracts.Acknowledgement{}, err
	}
	env.AckRequested = true

	reply, err := b.sendAndAwait(ctx, op, env, sender, timeout)
	if err != nil {
		return contracts.Acknowledgement{}, err
	}
	return contracts.Acknowledgement{
		EnvelopeID:    env.ID,
		CorrelationID: env.CorrelationID,
		Timestamp:     reply.ReceivedAt,
	}, nil
}

// Request implements MessagePublisher
func (b *Bus) Request(ctx context.Context, d Delivery, timeout time.Duration) (any, error) {
	const op = "request"

	env, sender, err := b.prepareReply(ctx, op, d)
	if err != nil {
		return nil, err
	}
	env.ReplyRequested = env.Headers[HeaderReplyRequested]
	if env.ReplyRequested == "" {
		env.ReplyRequested = "any"
	}

	reply, err := b.sendAndAwait(ctx, op, env, sender, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// RespondToSender replies to the envelope being handled in ctx
func (b *Bus) RespondToSender(ctx context.Context, response any) error {
	return b.respond(ctx, contracts.EnvelopeFromContext(ctx), response)
}

func (b *Bus) prepareReply(ctx context.Context, op string, d Delivery) (*contracts.Envelope, Sender, error) {
	env, err := b.prepare(ctx, d)
	if err != nil {
		return nil, nil, err
	}

	senders, err := b.targets(env)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case len(senders) == 0:
		return nil, nil, fmt.Errorf("%w: %s", ErrNoSubscribers, env.MessageType)
	case len(senders) > 1:
		return nil, nil, contracts.Unsupported(op, fmt.Sprintf("%d receivers for %s, replies need exactly one", len(senders), env.MessageType))
	case !supportsReplies(senders[0]):
		return nil, nil, contracts.Unsupported(op, "sender for "+senders[0].Destination().String()+" cannot correlate replies")
	case !contracts.IsLocal(senders[0].Destination()) && b.replyURI == nil:
		return nil, nil, contracts.Unsupported(op, "no reply address configured for "+senders[0].Destination().String())
	}

	sender := senders[0]
	if contracts.IsLocal(sender.Destination()) {
		env.ReplyURI = contracts.LocalQueueURI(ReplyQueue)
	} else {
		env.ReplyURI = b.replyURI
	}
	return env, sender, nil
}

func (b *Bus) sendAndAwait(ctx context.Context, op string, env *contracts.Envelope, sender Sender, timeout time.Duration) (Reply, error) {
	b.replies.Register(env.ID)
	if err := b.dispatch(ctx, "send", env, []Sender{sender}); err != nil {
		b.replies.Cancel(env.ID)
		return Reply{}, err
	}
	recordOutgoing(ctx, bucketSent, env)

	reply, err := b.replies.Wait(ctx, op, env.ID, timeout)
	if err != nil {
		return Reply{}, err
	}
	if reply.Err != nil {
		return Reply{}, fmt.Errorf("message %s failed at receiver: %w", env.ID, reply.Err)
	}
	return reply, nil
}

func (b *Bus) respond(ctx context.Context, incoming *contracts.Envelope, response any) error {
	if response == nil {
		return contracts.ErrNilMessage
	}
	if incoming == nil || incoming.ReplyURI == nil {
		return &contracts.AddressingError{Mode: "reply", Reason: "the message being handled has no reply address"}
	}

	env := b.newEnvelope(contracts.WithEnvelope(ctx, incoming), response)
	env.Destination = incoming.ReplyURI
	env.CorrelationID = incoming.CorrelationID
	env.SetHeader(HeaderInReplyTo, incoming.ID)

	if contracts.IsLocal(incoming.ReplyURI) && contracts.LocalQueueName(incoming.ReplyURI) == ReplyQueue {
		if !b.replies.Complete(incoming.ID, Reply{CorrelationID: incoming.CorrelationID, Result: response, ReceivedAt: b.clock.Now()}) {
			b.logger.Debug("reply discarded, caller is no longer waiting", "messageId", incoming.ID)
		}
		recordOutgoing(ctx, bucketResponses, env)
		return nil
	}

	sender, err := b.router.ForDestination(env.Destination)
	if err != nil {
		return err
	}
	if err := b.dispatch(ctx, "respond", env, []Sender{sender}); err != nil {
		return err
	}
	recordOutgoing(ctx, bucketResponses, env)
	return nil
}

func (b *Bus) newEnvelope(ctx context.Context, msg any) *contracts.Envelope {
	env := contracts.NewEnvelope(ctx, msg)
	env.Source = b.source
	return env
}

func (b *Bus) prepare(ctx context.Context, d Delivery) (*contracts.Envelope, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	env := d.Envelope(ctx)
	env.Source = b.source
	return env, nil
}

// targets resolves the senders for env. An implicitly addressed message with no
// route but a local handler goes to the default local queue.
func (b *Bus) targets(env *contracts.Envelope) ([]Sender, error) {
	senders, err := b.router.Resolve(env)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 && env.Address() == "" && b.dispatcher.HasHandler(env.Message) {
		senders = []Sender{b.queues.Sender(contracts.DefaultLocalQueue)}
	}
	return senders, nil
}

// dispatch delivers env to every sender, one envelope per sender
func (b *Bus) dispatch(ctx context.Context, op string, env *contracts.Envelope, senders []Sender) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	start := b.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, b.tracer, op, env, trace.SpanKindProducer)

	var errs []error
	for _, sender := range senders {
		target := env
		if len(senders) > 1 {
			target = env.Copy()
		}
		if err := b.deliver(ctx, target, sender); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	telemetry.End(span, err)
	b.metrics.RecordDispatch(op, env.MessageType, b.clock.Now().Sub(start), err == nil)
	return err
}

func (b *Bus) deliver(ctx context.Context, env *contracts.Envelope, sender Sender) error {
	now := b.clock.Now()

	if env.IsExpired(now) {
		_ = env.Transition(contracts.StatusFailed)
		b.logger.Warn("discarding expired message",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"deliverBy", env.DeliverBy,
		)
		if env.AckRequested || env.ReplyRequested != "" {
			return fmt.Errorf("%w: %s was due by %s", ErrExpired, env.ID, env.DeliverBy.Format(time.RFC3339))
		}
		return nil
	}

	if env.IsScheduledForLater(now) {
		due := env.ResolveScheduledTime(now)
		env.SetHeader(HeaderScheduledFor, due.UTC().Format(time.RFC3339Nano))

		if !supportsNativeScheduling(sender) {
			background := context.WithoutCancel(ctx)
			return b.scheduler.Schedule(env, due, func(env *contracts.Envelope) {
				if err := b.transmit(background, env, sender); err != nil {
					b.metrics.RecordError("scheduler", "send_failed")
				}
			})
		}
	}

	return b.transmit(ctx, env, sender)
}

func (b *Bus) transmit(ctx context.Context, env *contracts.Envelope, sender Sender) error {
	telemetry.Inject(ctx, env)

	if contracts.IsLocal(sender.Destination()) {
		return sender.Send(ctx, env)
	}

	send := func() error { return sender.Send(ctx, env) }
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, send)
	} else {
		err = send()
	}

	if err != nil {
		_ = env.Transition(contracts.StatusFailed)
		b.metrics.RecordError("transport", "send_failed")
		b.logger.Error("failed to send message",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"destination", sender.Destination().String(),
			"error", err,
		)
		return &SendError{Destination: sender.Destination().String(), EnvelopeID: env.ID, Err: err}
	}

	env.SentAt = b.clock.Now()
	_ = env.Transition(contracts.StatusSent)
	b.logger.Debug("sent message",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"destination", sender.Destination().String(),
		"correlationId", env.CorrelationID,
	)
	return nil
}

// handle runs the local handler for env through the interceptor chain
func (b *Bus) handle(ctx context.Context, env *contracts.Envelope) (any, error) {
	if !b.dispatcher.HasHandler(env.Message) {
		_ = env.Transition(contracts.StatusFailed)
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, env.MessageType)
	}

	ctx = withMessageContext(contracts.WithEnvelope(ctx, env), b.NewContext(env))

	var result any
	err := b.chain.Execute(ctx, env, interceptors.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		r, err := b.dispatcher.Dispatch(ctx, env.Message)
		result = r
		return err
	}))
	if err != nil {
		_ = env.Transition(contracts.StatusFailed)
		return nil, err
	}

	_ = env.Transition(contracts.StatusHandled)
	return result, nil
}

// processEnvelope is run by local queue workers
func (b *Bus) processEnvelope(ctx context.Context, env *contracts.Envelope) {
	ctx = telemetry.Extract(ctx, env)
	start := b.clock.Now()

	var (
		result any
		err    error
	)
	if env.IsExpired(start) {
		_ = env.Transition(contracts.StatusFailed)
		err = fmt.Errorf("%w: %s was due by %s", ErrExpired, env.ID, env.DeliverBy.Format(time.RFC3339))
	} else {
		result, err = b.handle(ctx, env)
	}

	if env.AckRequested || env.ReplyRequested != "" {
		b.replies.Complete(env.ID, Reply{
			CorrelationID: env.CorrelationID,
			Result:        result,
			Err:           err,
			ReceivedAt:    b.clock.Now(),
		})
	}

	if err != nil {
		b.logger.Error("local message handling failed",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"queue", contracts.LocalQueueName(env.Destination),
			"error", err,
		)
	}
}
