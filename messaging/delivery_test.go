package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("validate", func(t *testing.T) {
		assert.ErrorIs(t, NewDelivery(nil).Validate(), contracts.ErrNilMessage)
		assert.NoError(t, NewDelivery(orderCreated{}).Validate())
		assert.True(t, contracts.IsAddressingError(DeliveryTo(nil, orderCreated{}).Validate()))
		assert.True(t, contracts.IsAddressingError(DeliveryToEndpoint(" ", orderCreated{}).Validate()))
		assert.True(t, contracts.IsAddressingError(DeliveryToTopic("", orderCreated{}).Validate()))
		assert.True(t, contracts.IsAddressingError(Delivery{Message: orderCreated{}, Route: Route{Mode: AddressingMode(42)}}.Validate()))
	})

	t.Run("options are validated too", func(t *testing.T) {
		d := NewDelivery(orderCreated{}).WithOptions(&contracts.DeliveryOptions{Destination: contracts.LocalQueueURI("")})
		assert.True(t, contracts.IsAddressingError(d.Validate()))
	})

	t.Run("envelope carries the route", func(t *testing.T) {
		env := DeliveryToTopic("orders", orderCreated{ID: 42}).Envelope(ctx)

		assert.Equal(t, "orders", env.TopicName)
		assert.Equal(t, "orderCreated", env.MessageType)
		assert.Equal(t, orderCreated{ID: 42}, env.Message)
		assert.True(t, DeliveryToTopic("orders", nil).Route.Explicit())
		assert.False(t, NewDelivery(nil).Route.Explicit())
	})

	t.Run("options override the route and schedule", func(t *testing.T) {
		dest := contracts.MustParseDestination("rabbitmq://exchange/audit")
		env := DeliveryToEndpoint("billing", orderCreated{}).WithOptions(&contracts.DeliveryOptions{
			Destination:   dest,
			ScheduleDelay: time.Minute,
			Headers:       map[string]string{"tenant": "acme"},
		}).Envelope(ctx)

		assert.Equal(t, dest, env.Destination)
		assert.Equal(t, "billing", env.EndpointName)
		assert.Equal(t, time.Minute, env.ScheduleDelay)
		assert.Equal(t, contracts.StatusScheduled, env.Status)
		assert.Equal(t, "acme", env.Headers["tenant"])
	})

	t.Run("addressing modes print their names", func(t *testing.T) {
		assert.Equal(t, "implicit", AddressImplicit.String())
		assert.Equal(t, "destination", AddressDestination.String())
		assert.Equal(t, "endpoint", AddressEndpoint.String())
		assert.Equal(t, "topic", AddressTopic.String())
	})
}

func TestRequestAsLeavesCallerOptionsUntouched(t *testing.T) {
	bus := newTestBus(t)
	HandleResult(bus.Dispatcher(), func(context.Context, getOrder) (orderView, error) {
		return orderView{Status: "open"}, nil
	})
	opts := &contracts.DeliveryOptions{Headers: map[string]string{"tenant": "acme"}}

	view, err := RequestAs[orderView](context.Background(), bus, NewDelivery(getOrder{}).WithOptions(opts), time.Second)

	require.NoError(t, err)
	assert.Equal(t, "open", view.Status)
	assert.Equal(t, map[string]string{"tenant": "acme"}, opts.Headers)
}
