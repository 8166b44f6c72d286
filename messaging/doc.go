// Package messaging defines the capability set application code uses to
// dispatch messages and provides Bus, its dispatching implementation.
//
// Every outgoing effect is tracked as its own contracts.Envelope:
//   - Invoke and InvokeForResult run the local handler inline
//   - Enqueue, EnqueueTo and Schedule go to in-process queues
//   - Send and Publish go to the senders the router resolves, fanning out one envelope per sender
//   - SendAndWait and Request wait for the single receiver to acknowledge or reply
//
// Outgoing sends are addressed with a Delivery:
//
//	bus.Send(ctx, messaging.DeliveryToTopic("orders", OrderCreated{ID: 42}))
//	bus.Publish(ctx, messaging.NewDelivery(evt).WithOptions(&contracts.DeliveryOptions{
//	    ScheduleDelay: time.Minute,
//	}))
//
// Handlers are registered per message type:
//
//	messaging.HandleResult(bus.Dispatcher(), func(ctx context.Context, q GetOrder) (*Order, error) {
//	    return store.Get(ctx, q.ID)
//	})
//
// Inside a handler, FromContext returns a MessageContext whose sends inherit
// the correlation of the message being handled. That context is a *BusContext
// and keeps what the handler enqueued, sent, published and answered.
package messaging
