package messaging

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placeOrder struct {
	ID    int
	Total float64
}

type orderCreated struct {
	ID int
}

type getOrder struct {
	ID int
}

type orderView struct {
	ID     int
	Status string
}

type recordingSender struct {
	uri     *url.URL
	native  bool
	replies bool
	err     error

	mu   sync.Mutex
	envs []*contracts.Envelope
}

func newRecordingSender(raw string) *recordingSender {
	return &recordingSender{uri: contracts.MustParseDestination(raw)}
}

func (s *recordingSender) Send(_ context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSender) Destination() *url.URL          { return s.uri }
func (s *recordingSender) SupportsNativeScheduling() bool { return s.native }
func (s *recordingSender) SupportsReplies() bool          { return s.replies }

func (s *recordingSender) Sent() []*contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func newTestBus(t *testing.T, options ...BusOption) *Bus {
	t.Helper()
	bus := NewBus(options...)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})
	return bus
}

func TestBusInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("runs the handler inline", func(t *testing.T) {
		bus := newTestBus(t)
		var handled placeOrder
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			handled = msg
			return nil
		})

		require.NoError(t, bus.Invoke(ctx, placeOrder{ID: 1, Total: 10}))
		assert.Equal(t, 1, handled.ID)
	})

	t.Run("returns the handler result", func(t *testing.T) {
		bus := newTestBus(t)
		HandleResult(bus.Dispatcher(), func(ctx context.Context, q getOrder) (orderView, error) {
			return orderView{ID: q.ID, Status: "open"}, nil
		})

		view, err := InvokeAs[orderView](ctx, bus, getOrder{ID: 7})

		require.NoError(t, err)
		assert.Equal(t, orderView{ID: 7, Status: "open"}, view)

		_, err = InvokeAs[string](ctx, bus, getOrder{ID: 7})
		assert.ErrorIs(t, err, ErrUnexpectedResult)
	})

	t.Run("fails without a handler", func(t *testing.T) {
		bus := newTestBus(t)

		assert.ErrorIs(t, bus.Invoke(ctx, placeOrder{}), ErrNoHandler)
		assert.ErrorIs(t, bus.Invoke(ctx, nil), contracts.ErrNilMessage)
	})

	t.Run("handler errors propagate", func(t *testing.T) {
		bus := newTestBus(t)
		boom := errors.New("boom")
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return boom })

		assert.ErrorIs(t, bus.Invoke(ctx, placeOrder{}), boom)
	})
}

func TestBusEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("handles enqueued messages on a worker", func(t *testing.T) {
		bus := newTestBus(t)
		handled := make(chan *contracts.Envelope, 1)
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, ok := FromContext(ctx)
			require.True(t, ok)
			handled <- mc.Envelope()
			return nil
		})

		require.NoError(t, bus.Enqueue(ctx, placeOrder{ID: 3}))

		select {
		case env := <-handled:
			assert.Equal(t, "local://default", env.Destination.String())
		case <-time.After(time.Second):
			t.Fatal("message was not handled")
		}
	})

	t.Run("named queues are addressed by lowercase name", func(t *testing.T) {
		bus := newTestBus(t)
		handled := make(chan string, 1)
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, _ := FromContext(ctx)
			handled <- mc.Envelope().Destination.String()
			return nil
		})

		require.NoError(t, bus.EnqueueTo(ctx, placeOrder{}, "Important"))

		select {
		case dest := <-handled:
			assert.Equal(t, "local://important", dest)
		case <-time.After(time.Second):
			t.Fatal("message was not handled")
		}
	})

	t.Run("rejects an empty queue name", func(t *testing.T) {
		bus := newTestBus(t)
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return nil })

		err := bus.EnqueueTo(ctx, placeOrder{}, " ")

		assert.True(t, contracts.IsAddressingError(err))
	})

	t.Run("requires a handler", func(t *testing.T) {
		bus := newTestBus(t)
		assert.ErrorIs(t, bus.Enqueue(ctx, placeOrder{}), ErrNoHandler)
	})

	t.Run("fail-fast queues reject work when full", func(t *testing.T) {
		bus := newTestBus(t, WithLocalQueueOptions(WithQueueCapacity(1), WithFailFast(true)))
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error {
			started <- struct{}{}
			<-release
			return nil
		})

		require.NoError(t, bus.Enqueue(ctx, placeOrder{ID: 1}))
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("first message was not picked up")
		}

		require.NoError(t, bus.Enqueue(ctx, placeOrder{ID: 2}))
		assert.ErrorIs(t, bus.Enqueue(ctx, placeOrder{ID: 3}), ErrQueueFull)
	})
}

func TestBusSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues locally once the delay passes", func(t *testing.T) {
		bus := newTestBus(t)
		handled := make(chan string, 1)
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, _ := FromContext(ctx)
			handled <- mc.Envelope().ID
			return nil
		})

		start := time.Now()
		id, err := bus.Schedule(ctx, placeOrder{ID: 1}, contracts.ScheduleAfter(30*time.Millisecond))
		require.NoError(t, err)
		assert.Len(t, bus.PendingScheduled(), 1)

		select {
		case handledID := <-handled:
			assert.Equal(t, id, handledID)
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		case <-time.After(time.Second):
			t.Fatal("scheduled message was not handled")
		}
	})

	t.Run("cancelled schedules never run", func(t *testing.T) {
		bus := newTestBus(t)
		handled := make(chan struct{}, 1)
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error {
			handled <- struct{}{}
			return nil
		})

		id, err := bus.Schedule(ctx, placeOrder{}, contracts.ScheduleAt(time.Now().Add(50*time.Millisecond)))
		require.NoError(t, err)
		require.True(t, bus.CancelScheduled(id))

		select {
		case <-handled:
			t.Fatal("cancelled message was handled")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("rejects invalid schedules", func(t *testing.T) {
		bus := newTestBus(t)
		_, err := bus.Schedule(ctx, placeOrder{}, contracts.Schedule{})
		assert.ErrorIs(t, err, contracts.ErrInvalidSchedule)
	})
}

func TestBusSendAndPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("publish fans out one envelope per subscriber", func(t *testing.T) {
		bus := newTestBus(t)
		a := newRecordingSender("rabbitmq://exchange/a")
		b := newRecordingSender("kafka://topic/b")
		bus.Router().RouteType("orderCreated", a).RouteType("orderCreated", b)

		require.NoError(t, bus.Publish(ctx, NewDelivery(orderCreated{ID: 42})))

		require.Len(t, a.Sent(), 1)
		require.Len(t, b.Sent(), 1)
		assert.NotEqual(t, a.Sent()[0].ID, b.Sent()[0].ID)
		assert.Equal(t, a.Sent()[0].CorrelationID, b.Sent()[0].CorrelationID)
		assert.Equal(t, contracts.StatusSent, a.Sent()[0].Status)
		assert.False(t, a.Sent()[0].SentAt.IsZero())
	})

	t.Run("publish without subscribers is not an error", func(t *testing.T) {
		bus := newTestBus(t, WithRequireSubscriber(true))
		assert.NoError(t, bus.Publish(ctx, NewDelivery(orderCreated{})))
	})

	t.Run("send without subscribers fails when subscribers are required", func(t *testing.T) {
		bus := newTestBus(t, WithRequireSubscriber(true))
		assert.ErrorIs(t, bus.Send(ctx, NewDelivery(orderCreated{})), ErrNoSubscribers)

		lenient := newTestBus(t)
		assert.NoError(t, lenient.Send(ctx, NewDelivery(orderCreated{})))
	})

	t.Run("send falls back to the local handler", func(t *testing.T) {
		bus := newTestBus(t, WithRequireSubscriber(true))
		handled := make(chan struct{}, 1)
		Handle(bus.Dispatcher(), func(context.Context, orderCreated) error {
			handled <- struct{}{}
			return nil
		})

		require.NoError(t, bus.Send(ctx, NewDelivery(orderCreated{})))

		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("message was not handled locally")
		}
	})

	t.Run("explicit destination overrides routing", func(t *testing.T) {
		bus := newTestBus(t)
		routed := newRecordingSender("rabbitmq://exchange/orders")
		explicit := newRecordingSender("rabbitmq://exchange/audit")
		bus.Router().RouteType("orderCreated", routed).AddSender(explicit)

		require.NoError(t, bus.Send(ctx, DeliveryTo(explicit.uri, orderCreated{ID: 1})))

		assert.Empty(t, routed.Sent())
		require.Len(t, explicit.Sent(), 1)
		assert.Equal(t, explicit.uri, explicit.Sent()[0].Destination)
	})

	t.Run("delivery options override the destination", func(t *testing.T) {
		bus := newTestBus(t)
		audit := newRecordingSender("rabbitmq://exchange/audit")
		bus.Router().AddSender(audit)

		err := bus.Publish(ctx, NewDelivery(orderCreated{}).WithOptions(&contracts.DeliveryOptions{Destination: audit.uri}))

		require.NoError(t, err)
		assert.Len(t, audit.Sent(), 1)
	})

	t.Run("scheme senders catch unregistered destinations", func(t *testing.T) {
		bus := newTestBus(t)
		kafka := newRecordingSender("kafka://topic/any")
		bus.Router().RouteScheme("kafka", kafka)

		require.NoError(t, SendTo(ctx, bus, "kafka://topic/invoices", orderCreated{}, nil))
		require.Len(t, kafka.Sent(), 1)
		assert.Equal(t, "kafka://topic/invoices", kafka.Sent()[0].Destination.String())
	})

	t.Run("addressing errors happen before anything is sent", func(t *testing.T) {
		bus := newTestBus(t)
		routed := newRecordingSender("rabbitmq://exchange/orders")
		bus.Router().RouteType("orderCreated", routed)

		assert.True(t, contracts.IsAddressingError(bus.Send(ctx, DeliveryTo(nil, orderCreated{}))))
		assert.True(t, contracts.IsAddressingError(bus.Send(ctx, DeliveryTo(&url.URL{Path: "x"}, orderCreated{}))))
		assert.True(t, contracts.IsAddressingError(SendToEndpoint(ctx, bus, "", orderCreated{}, nil)))
		assert.True(t, contracts.IsAddressingError(SendToTopic(ctx, bus, "", orderCreated{}, nil)))
		assert.True(t, contracts.IsAddressingError(SendTo(ctx, bus, "not a uri", orderCreated{}, nil)))
		assert.True(t, contracts.IsAddressingError(SendToEndpoint(ctx, bus, "unknown", orderCreated{}, nil)))
		assert.True(t, contracts.IsAddressingError(SendTo(ctx, bus, "rabbitmq://exchange/unknown", orderCreated{}, nil)))
		assert.Empty(t, routed.Sent())
	})

	t.Run("endpoint and topic routes", func(t *testing.T) {
		bus := newTestBus(t)
		billing := newRecordingSender("rabbitmq://queue/billing")
		topics := newRecordingSender("kafka://topics")
		bus.Router().RouteEndpoint("billing", billing).UseTopicSender(topics)

		require.NoError(t, SendToEndpoint(ctx, bus, "Billing", orderCreated{}, nil))
		require.NoError(t, SendToTopic(ctx, bus, "orders", orderCreated{ID: 42}, nil))

		require.Len(t, billing.Sent(), 1)
		assert.Equal(t, "Billing", billing.Sent()[0].EndpointName)
		require.Len(t, topics.Sent(), 1)
		assert.Equal(t, "orders", topics.Sent()[0].TopicName)
	})

	t.Run("topic sends need a topic sender", func(t *testing.T) {
		bus := newTestBus(t)
		err := SendToTopic(ctx, bus, "orders", orderCreated{}, nil)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})

	t.Run("outgoing messages inherit the handled message correlation", func(t *testing.T) {
		bus := newTestBus(t)
		out := newRecordingSender("rabbitmq://exchange/events")
		bus.Router().RouteType("orderCreated", out)
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, _ := FromContext(ctx)
			return mc.Publish(ctx, NewDelivery(orderCreated{ID: msg.ID}))
		})

		ctx := contracts.WithCorrelationID(context.Background(), "flow-1")
		require.NoError(t, bus.Invoke(ctx, placeOrder{ID: 5}))

		require.Len(t, out.Sent(), 1)
		assert.Equal(t, "flow-1", out.Sent()[0].CorrelationID)
		assert.NotEmpty(t, out.Sent()[0].ConversationID)
	})

	t.Run("transport failures are wrapped and counted by the circuit breaker", func(t *testing.T) {
		broken := newRecordingSender("rabbitmq://exchange/orders")
		broken.err = errors.New("connection refused")
		bus := newTestBus(t, WithCircuitBreaker(reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1))))
		bus.Router().RouteType("orderCreated", broken)

		err := bus.Publish(ctx, NewDelivery(orderCreated{}))
		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, "rabbitmq://exchange/orders", sendErr.Destination)

		err = bus.Publish(ctx, NewDelivery(orderCreated{}))
		assert.True(t, reliability.IsCircuitOpen(err))
	})

	t.Run("expired messages are discarded", func(t *testing.T) {
		bus := newTestBus(t)
		out := newRecordingSender("rabbitmq://exchange/events")
		bus.Router().RouteType("orderCreated", out)

		err := bus.Publish(ctx, NewDelivery(orderCreated{}).WithOptions(&contracts.DeliveryOptions{
			DeliverBy: time.Now().Add(-time.Minute),
		}))

		require.NoError(t, err)
		assert.Empty(t, out.Sent())
	})
}

func TestBusScheduledPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("native schedulers receive the envelope at once with an absolute time", func(t *testing.T) {
		bus := newTestBus(t)
		native := newRecordingSender("rabbitmq://exchange/delayed")
		native.native = true
		bus.Router().RouteType("orderCreated", native)

		before := time.Now()
		require.NoError(t, bus.SchedulePublish(ctx, NewDelivery(orderCreated{}), contracts.ScheduleAfter(time.Hour)))

		require.Len(t, native.Sent(), 1)
		env := native.Sent()[0]
		assert.WithinDuration(t, before.Add(time.Hour), env.ScheduledTime, time.Second)
		assert.NotEmpty(t, env.Headers[HeaderScheduledFor])
	})

	t.Run("other senders get the envelope from the scheduler when due", func(t *testing.T) {
		bus := newTestBus(t)
		plain := newRecordingSender("kafka://topic/orders")
		bus.Router().RouteType("orderCreated", plain)

		require.NoError(t, bus.SchedulePublish(ctx, NewDelivery(orderCreated{}), contracts.ScheduleAfter(30*time.Millisecond)))

		assert.Empty(t, plain.Sent())
		assert.Eventually(t, func() bool { return len(plain.Sent()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, bus.PendingScheduled())
	})
}

func TestBusReplies(t *testing.T) {
	ctx := context.Background()

	t.Run("send and wait returns the acknowledgement once handled", func(t *testing.T) {
		bus := newTestBus(t)
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return nil })

		ack, err := bus.SendAndWait(ctx, NewDelivery(placeOrder{ID: 1}), time.Second)

		require.NoError(t, err)
		assert.NotEmpty(t, ack.EnvelopeID)
		assert.NotEmpty(t, ack.CorrelationID)
		assert.False(t, ack.Timestamp.IsZero())
	})

	t.Run("send and wait reports handler failures", func(t *testing.T) {
		bus := newTestBus(t)
		boom := errors.New("out of stock")
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return boom })

		_, err := bus.SendAndWait(ctx, NewDelivery(placeOrder{}), time.Second)

		assert.ErrorIs(t, err, boom)
	})

	t.Run("timeouts and cancellation are distinct", func(t *testing.T) {
		bus := newTestBus(t)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error {
			<-release
			return nil
		})

		_, err := bus.SendAndWait(ctx, NewDelivery(placeOrder{}), 20*time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrTimedOut)
		assert.NotErrorIs(t, err, contracts.ErrCancelled)

		cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = bus.SendAndWait(cancelled, NewDelivery(placeOrder{}), time.Minute)
		assert.ErrorIs(t, err, contracts.ErrCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, contracts.ErrTimedOut)
	})

	t.Run("request returns the handler result", func(t *testing.T) {
		bus := newTestBus(t)
		HandleResult(bus.Dispatcher(), func(ctx context.Context, q getOrder) (orderView, error) {
			return orderView{ID: q.ID, Status: "shipped"}, nil
		})

		view, err := RequestAs[orderView](ctx, bus, NewDelivery(getOrder{ID: 9}), time.Second)

		require.NoError(t, err)
		assert.Equal(t, "shipped", view.Status)
	})

	t.Run("respond to sender answers a local request", func(t *testing.T) {
		bus := newTestBus(t)
		Handle(bus.Dispatcher(), func(ctx context.Context, q getOrder) error {
			mc, _ := FromContext(ctx)
			return mc.RespondToSender(ctx, orderView{ID: q.ID, Status: "responded"})
		})

		reply, err := bus.Request(ctx, NewDelivery(getOrder{ID: 2}), time.Second)

		require.NoError(t, err)
		assert.Equal(t, orderView{ID: 2, Status: "responded"}, reply)
	})

	t.Run("respond to sender without a reply address is an addressing error", func(t *testing.T) {
		bus := newTestBus(t)
		var respondErr error
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, _ := FromContext(ctx)
			respondErr = mc.RespondToSender(ctx, orderView{})
			return nil
		})

		require.NoError(t, bus.Invoke(ctx, placeOrder{}))
		assert.True(t, contracts.IsAddressingError(respondErr))
	})

	t.Run("respond to sender sends to a remote reply address", func(t *testing.T) {
		bus := newTestBus(t)
		replies := newRecordingSender("rabbitmq://queue/replies-client-1")
		bus.Router().AddSender(replies)

		incoming := contracts.NewEnvelope(ctx, getOrder{ID: 4})
		incoming.ReplyURI = replies.uri

		require.NoError(t, bus.NewContext(incoming).RespondToSender(ctx, orderView{ID: 4}))

		require.Len(t, replies.Sent(), 1)
		assert.Equal(t, incoming.ID, replies.Sent()[0].Headers[HeaderInReplyTo])
		assert.Equal(t, incoming.CorrelationID, replies.Sent()[0].CorrelationID)
	})

	t.Run("request on a sender that cannot correlate is unsupported", func(t *testing.T) {
		bus := newTestBus(t)
		out := newRecordingSender("kafka://topic/queries")
		bus.Router().RouteType("getOrder", out)

		_, err := bus.Request(ctx, NewDelivery(getOrder{}), time.Second)

		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
		assert.Empty(t, out.Sent())
	})

	t.Run("remote replies are completed by the inbound listener", func(t *testing.T) {
		replyURI := contracts.MustParseDestination("rabbitmq://queue/replies")
		bus := newTestBus(t, WithReplyURI(replyURI))
		remote := newRecordingSender("rabbitmq://queue/orders")
		remote.replies = true
		bus.Router().RouteType("getOrder", remote)

		go func() {
			assert.Eventually(t, func() bool { return len(remote.Sent()) == 1 }, time.Second, time.Millisecond)
			env := remote.Sent()[0]
			bus.CompleteReply(env.ID, orderView{ID: 11}, nil)
		}()

		reply, err := bus.Request(ctx, NewDelivery(getOrder{ID: 11}), time.Second)

		require.NoError(t, err)
		assert.Equal(t, orderView{ID: 11}, reply)
		assert.Equal(t, replyURI, remote.Sent()[0].ReplyURI)
		assert.Equal(t, "any", remote.Sent()[0].ReplyRequested)
	})

	t.Run("remote requests without a reply address are unsupported", func(t *testing.T) {
		bus := newTestBus(t)
		remote := newRecordingSender("rabbitmq://queue/orders")
		remote.replies = true
		bus.Router().RouteType("getOrder", remote)

		_, err := bus.Request(ctx, NewDelivery(getOrder{ID: 12}), 5*time.Second)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)

		_, err = bus.SendAndWait(ctx, NewDelivery(getOrder{ID: 12}), 5*time.Second)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
		assert.Empty(t, remote.Sent())
	})

	t.Run("expired messages fail waiting callers at once", func(t *testing.T) {
		bus := newTestBus(t, WithReplyURI(contracts.MustParseDestination("rabbitmq://queue/replies")))
		handled := false
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error {
			handled = true
			return nil
		})
		remote := newRecordingSender("rabbitmq://queue/orders")
		remote.replies = true
		bus.Router().RouteType("getOrder", remote)
		expired := &contracts.DeliveryOptions{DeliverBy: time.Now().Add(-time.Minute)}

		start := time.Now()
		_, err := bus.SendAndWait(ctx, NewDelivery(placeOrder{ID: 1}).WithOptions(expired), 5*time.Second)
		assert.ErrorIs(t, err, ErrExpired)

		_, err = bus.Request(ctx, NewDelivery(getOrder{ID: 1}).WithOptions(expired), 5*time.Second)
		assert.ErrorIs(t, err, ErrExpired)

		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, handled)
		assert.Empty(t, remote.Sent())
	})

	t.Run("requests need exactly one receiver", func(t *testing.T) {
		bus := newTestBus(t)
		a := newRecordingSender("rabbitmq://queue/a")
		b := newRecordingSender("rabbitmq://queue/b")
		a.replies, b.replies = true, true
		bus.Router().RouteType("getOrder", a).RouteType("getOrder", b)

		_, err := bus.Request(ctx, NewDelivery(getOrder{}), time.Second)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)

		_, err = newTestBus(t).SendAndWait(ctx, NewDelivery(getOrder{}), time.Second)
		assert.ErrorIs(t, err, ErrNoSubscribers)
	})
}

func TestBusContextOutgoing(t *testing.T) {
	ctx := context.Background()

	t.Run("each operation lands in one bucket", func(t *testing.T) {
		bus := newTestBus(t)
		Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return nil })
		events := newRecordingSender("rabbitmq://exchange/events")
		billing := newRecordingSender("rabbitmq://queue/billing")
		bus.Router().RouteType("orderCreated", events).RouteEndpoint("billing", billing)

		incoming := contracts.NewEnvelope(ctx, getOrder{ID: 1})
		incoming.ReplyURI = contracts.LocalQueueURI(ReplyQueue)
		mc := bus.NewContext(incoming)

		require.NoError(t, mc.Invoke(ctx, placeOrder{ID: 1}))
		require.NoError(t, mc.Enqueue(ctx, placeOrder{ID: 2}))
		require.NoError(t, mc.Send(ctx, NewDelivery(orderCreated{ID: 3})))
		require.NoError(t, mc.Publish(ctx, NewDelivery(orderCreated{ID: 4})))
		require.NoError(t, mc.Send(ctx, DeliveryToEndpoint("billing", orderCreated{ID: 5})))
		require.NoError(t, mc.RespondToSender(ctx, orderView{ID: 1}))

		assert.Equal(t, []any{placeOrder{ID: 1}}, mc.Invoked())
		require.Len(t, mc.Enqueued(), 1)
		assert.Equal(t, placeOrder{ID: 2}, mc.Enqueued()[0].Message)
		require.Len(t, mc.Sent(), 1)
		assert.Equal(t, orderCreated{ID: 3}, mc.Sent()[0].Message)
		require.Len(t, mc.Published(), 2)
		assert.Equal(t, orderCreated{ID: 4}, mc.Published()[0].Message)
		assert.Equal(t, orderCreated{ID: 5}, mc.Published()[1].Message)
		require.Len(t, mc.ResponsesToSender(), 1)
		assert.Equal(t, incoming.ID, mc.ResponsesToSender()[0].Headers[HeaderInReplyTo])
		assert.Len(t, mc.AllOutgoing(), 4)
		for _, env := range mc.AllOutgoing() {
			assert.NotEqual(t, placeOrder{ID: 2}, env.Message)
		}
	})

	t.Run("bus calls with a handler's ctx are kept on that handler's context", func(t *testing.T) {
		bus := newTestBus(t)
		events := newRecordingSender("rabbitmq://exchange/events")
		bus.Router().RouteType("orderCreated", events)
		contexts := make(chan *BusContext, 1)
		Handle(bus.Dispatcher(), func(ctx context.Context, msg placeOrder) error {
			mc, _ := FromContext(ctx)
			if err := bus.Publish(ctx, NewDelivery(orderCreated{ID: msg.ID})); err != nil {
				return err
			}
			contexts <- mc.(*BusContext)
			return nil
		})

		require.NoError(t, bus.Invoke(ctx, placeOrder{ID: 6}))

		mc := <-contexts
		require.Len(t, mc.Published(), 1)
		assert.Equal(t, orderCreated{ID: 6}, mc.Published()[0].Message)
		assert.Empty(t, mc.Sent())
		assert.Empty(t, mc.Enqueued())
	})

	t.Run("failed operations are not kept", func(t *testing.T) {
		bus := newTestBus(t)
		mc := bus.NewContext(contracts.NewEnvelope(ctx, getOrder{}))

		assert.ErrorIs(t, mc.Enqueue(ctx, placeOrder{}), ErrNoHandler)
		assert.Error(t, mc.Send(ctx, DeliveryToEndpoint("nowhere", orderCreated{})))

		assert.Empty(t, mc.Enqueued())
		assert.Empty(t, mc.AllOutgoing())
	})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	Handle(bus.Dispatcher(), func(context.Context, placeOrder) error { return nil })

	require.NoError(t, bus.Close(context.Background()))

	assert.ErrorIs(t, bus.Enqueue(context.Background(), placeOrder{}), ErrBusClosed)
	assert.ErrorIs(t, bus.Invoke(context.Background(), placeOrder{}), ErrBusClosed)
}
