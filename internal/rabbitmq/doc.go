// Package rabbitmq holds the AMQP plumbing behind transports/rabbitmq.
//
//   - ConnectionManager: one connection, re-dialled with backoff when the broker drops it
//   - ChannelPool: channels in publisher-confirm mode, opened lazily
//   - Publisher: mandatory publish that waits for the broker confirm, never retried
//   - Consumer: acks or rejects deliveries of one queue
//   - Topology: exchange, queue and binding declarations
package rabbitmq
