// Package contracts provides the core data model shared by every part of mmate-bus.
//
// The central type is the Envelope: one outgoing, scheduled or in-flight message
// together with its identity, status, scheduling and addressing metadata. Every
// effect caused through the bus (an invocation, a local enqueue, a send, a
// publish, a scheduled delivery or a response to the sender) is represented by
// its own envelope so that it can be inspected after the fact.
//
// The package also defines:
//   - DeliveryOptions: caller supplied overrides applied to an envelope before dispatch
//   - Schedule: an absolute execution time or a delay
//   - Acknowledgement: the receipt returned by request/acknowledge style sends
//   - The error taxonomy shared by the dispatching bus and its test doubles
//   - Context helpers that carry the correlation identity of an originating flow
package contracts
