package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	queues := NewLocalQueues(func(context.Context, *contracts.Envelope) {})
	t.Cleanup(queues.Close)
	return NewRouter(queues, nil)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("type routes keep registration order", func(t *testing.T) {
		r := newTestRouter(t)
		a := newRecordingSender("rabbitmq://exchange/a")
		b := newRecordingSender("rabbitmq://exchange/b")
		r.RouteType("orderCreated", a).RouteType("orderCreated", b)

		senders := r.ForType("orderCreated")

		require.Len(t, senders, 2)
		assert.Same(t, a, senders[0])
		assert.Same(t, b, senders[1])
		assert.Empty(t, r.ForType("other"))
	})

	t.Run("local routes resolve to queues", func(t *testing.T) {
		r := newTestRouter(t)
		r.RouteTypeLocally("orderCreated", "Audit")

		senders := r.ForType("orderCreated")

		require.Len(t, senders, 1)
		assert.Equal(t, "local://audit", senders[0].Destination().String())
		assert.True(t, supportsReplies(senders[0]))
	})

	t.Run("endpoints are case insensitive", func(t *testing.T) {
		r := newTestRouter(t)
		billing := newRecordingSender("rabbitmq://queue/billing")
		r.RouteEndpoint("Billing", billing)

		sender, err := r.ForEndpoint("BILLING")
		require.NoError(t, err)
		assert.Same(t, billing, sender)

		_, err = r.ForEndpoint("shipping")
		assert.True(t, contracts.IsAddressingError(err))
	})

	t.Run("destinations match exactly then by scheme", func(t *testing.T) {
		r := newTestRouter(t)
		exact := newRecordingSender("rabbitmq://exchange/orders")
		scheme := newRecordingSender("rabbitmq://any")
		r.AddSender(exact).RouteScheme("RabbitMQ", scheme)

		sender, err := r.ForDestination(contracts.MustParseDestination("rabbitmq://exchange/orders"))
		require.NoError(t, err)
		assert.Same(t, exact, sender)

		sender, err = r.ForDestination(contracts.MustParseDestination("rabbitmq://exchange/other"))
		require.NoError(t, err)
		assert.Same(t, scheme, sender)

		_, err = r.ForDestination(contracts.MustParseDestination("kafka://topic/x"))
		assert.True(t, contracts.IsAddressingError(err))

		_, err = r.ForDestination(nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidDestination)
	})

	t.Run("resolve follows addressing precedence", func(t *testing.T) {
		r := newTestRouter(t)
		dest := newRecordingSender("rabbitmq://exchange/orders")
		endpoint := newRecordingSender("rabbitmq://queue/billing")
		topics := newRecordingSender("kafka://topics")
		typed := newRecordingSender("rabbitmq://exchange/typed")
		r.AddSender(dest).RouteEndpoint("billing", endpoint).UseTopicSender(topics).RouteType("orderCreated", typed)

		env := contracts.NewEnvelope(ctx, orderCreated{})
		env.Destination = dest.uri
		env.EndpointName = "billing"
		env.TopicName = "orders"

		senders, err := r.Resolve(env)
		require.NoError(t, err)
		assert.Equal(t, []Sender{dest}, senders)

		env.Destination = nil
		senders, err = r.Resolve(env)
		require.NoError(t, err)
		assert.Equal(t, []Sender{endpoint}, senders)

		env.EndpointName = ""
		senders, err = r.Resolve(env)
		require.NoError(t, err)
		assert.Equal(t, []Sender{topics}, senders)

		env.TopicName = ""
		senders, err = r.Resolve(env)
		require.NoError(t, err)
		assert.Equal(t, []Sender{typed}, senders)
	})

	t.Run("topics without a topic sender are unsupported", func(t *testing.T) {
		r := newTestRouter(t)
		_, err := r.ForTopic("orders")
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})
}

func TestLocalQueues(t *testing.T) {
	ctx := context.Background()

	t.Run("processes envelopes in order on one worker", func(t *testing.T) {
		seen := make(chan int, 3)
		queues := NewLocalQueues(func(_ context.Context, env *contracts.Envelope) {
			seen <- env.Message.(placeOrder).ID
		})
		defer queues.Close()

		for i := 1; i <= 3; i++ {
			require.NoError(t, queues.Enqueue(ctx, "orders", contracts.NewEnvelope(ctx, placeOrder{ID: i})))
		}

		assert.Equal(t, 1, <-seen)
		assert.Equal(t, 2, <-seen)
		assert.Equal(t, 3, <-seen)
	})

	t.Run("blocks when full until the caller gives up", func(t *testing.T) {
		release := make(chan struct{})
		queues := NewLocalQueues(func(context.Context, *contracts.Envelope) { <-release }, WithQueueCapacity(1))
		defer queues.Close()
		defer close(release)

		require.NoError(t, queues.Enqueue(ctx, "q", contracts.NewEnvelope(ctx, placeOrder{})))
		require.Eventually(t, func() bool { return queues.Depth("q") == 0 }, time.Second, time.Millisecond)
		require.NoError(t, queues.Enqueue(ctx, "q", contracts.NewEnvelope(ctx, placeOrder{})))

		cancelled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		err := queues.Enqueue(cancelled, "q", contracts.NewEnvelope(ctx, placeOrder{}))

		assert.ErrorIs(t, err, contracts.ErrCancelled)
		assert.Equal(t, 1, queues.Depth("Q"))
	})

	t.Run("closed queues reject envelopes", func(t *testing.T) {
		queues := NewLocalQueues(func(context.Context, *contracts.Envelope) {})
		queues.Close()

		err := queues.Sender("orders").Send(ctx, contracts.NewEnvelope(ctx, placeOrder{}))

		assert.ErrorIs(t, err, ErrBusClosed)
	})
}
