package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes one message per call and waits for the broker confirm.
// Messages are published mandatory; an unroutable message is an error.
type Publisher struct {
	source         ChannelSource
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits until the broker confirms it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := p.source.Execute(ctx, func(ch ConfirmChannel) error {
		return p.publishConfirmed(ctx, ch, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, MessageID: msg.MessageId, Err: err}
	}

	p.logger.Debug("published message",
		"messageId", msg.MessageId,
		"exchange", exchange,
		"routingKey", routingKey,
	)
	return nil
}

func (p *Publisher) publishConfirmed(ctx context.Context, ch ConfirmChannel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-ch.Returns():
			if !ok {
				return ErrPublishNotConfirmed
			}
			// the broker sends the return before the ack for the same message
			returned = &ret

		case confirm, ok := <-ch.Confirms():
			if !ok {
				return ErrPublishNotConfirmed
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrMandatoryFailed, returned.ReplyCode, returned.ReplyText)
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: delivery tag %d was nacked", ErrPublishNotConfirmed, confirm.DeliveryTag)
			}
			return nil

		case <-timer.C:
			return ErrPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
