package rabbitmq

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. Returning an error rejects the
// delivery without requeueing it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// DeliverySource opens a delivery stream for a queue
type DeliverySource interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan amqp.Delivery, func() error, error)
}

// Consumer runs a handler over the deliveries of one queue
type Consumer struct {
	source        DeliverySource
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source DeliverySource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:        source,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Run consumes queue until ctx is cancelled or the broker cancels the consumer
func (c *Consumer) Run(ctx context.Context, queue string, handler MessageHandler) error {
	deliveries, stop, err := c.source.Consume(ctx, queue, c.prefetchCount)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}
	defer func() {
		if err := stop(); err != nil {
			c.logger.Warn("failed to stop consumer", "queue", queue, "error", err)
		}
	}()

	c.logger.Info("consuming queue", "queue", queue, "prefetchCount", c.prefetchCount)

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return &ConsumerError{Queue: queue, Op: "consume", Err: ErrConsumerCancelled}
			}
			c.handle(ctx, queue, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	if err := handler(ctx, delivery); err != nil {
		c.logger.Error("failed to handle delivery",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err,
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack delivery", "messageId", delivery.MessageId, "error", nackErr)
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", "messageId", delivery.MessageId, "error", err)
	}
}

// Consume implements DeliverySource on a dedicated channel; consumers do not
// share pooled publishing channels.
func (cm *ConnectionManager) Consume(ctx context.Context, queue string, prefetch int) (<-chan amqp.Delivery, func() error, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return deliveries, ch.Close, nil
}
