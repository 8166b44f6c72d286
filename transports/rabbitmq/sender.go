package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/xclock"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
)

// HeaderDelay is read by the delayed-message exchange plugin, in milliseconds
const HeaderDelay = "x-delay"

// Publisher publishes one AMQP message and reports whether the broker accepted it
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Sender delivers envelopes to one RabbitMQ exchange or queue
type Sender struct {
	publisher   Publisher
	codec       *serialization.Codec
	destination *url.URL
	address     address
	delayed     bool
	replies     bool
	clock       messaging.Clock
	logger      *slog.Logger
}

var (
	_ messaging.Sender          = (*Sender)(nil)
	_ messaging.NativeScheduler = (*Sender)(nil)
	_ messaging.ReplyCapable    = (*Sender)(nil)
)

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithDelayedExchange marks the target exchange as an x-delayed-message
// exchange, so scheduled envelopes are held by the broker
func WithDelayedExchange(delayed bool) SenderOption {
	return func(s *Sender) {
		s.delayed = delayed
	}
}

// WithReplies marks the sender as able to correlate replies. Only senders of a
// transport with a reply queue can.
func WithReplies(enabled bool) SenderOption {
	return func(s *Sender) {
		s.replies = enabled
	}
}

// WithSenderClock sets the clock used to compute delays and expirations
func WithSenderClock(clock messaging.Clock) SenderOption {
	return func(s *Sender) {
		s.clock = clock
	}
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender creates a sender for a rabbitmq:// destination
func NewSender(publisher Publisher, codec *serialization.Codec, destination *url.URL, options ...SenderOption) (*Sender, error) {
	addr, err := parseAddress(destination)
	if err != nil {
		return nil, err
	}

	s := &Sender{
		publisher:   publisher,
		codec:       codec,
		destination: destination,
		address:     addr,
		clock:       xclock.Default(),
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Destination implements messaging.Sender
func (s *Sender) Destination() *url.URL {
	return s.destination
}

// SupportsNativeScheduling implements messaging.NativeScheduler
func (s *Sender) SupportsNativeScheduling() bool {
	return s.delayed && s.address.exchange != ""
}

// SupportsReplies implements messaging.ReplyCapable. Replies come back on the
// queue named by the envelope's reply address, so it is false unless WithReplies is set.
func (s *Sender) SupportsReplies() bool {
	return s.replies
}

// Send encodes env and publishes it once
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	msg, err := s.publishing(env)
	if err != nil {
		return err
	}

	addr, err := s.addressFor(env)
	if err != nil {
		return err
	}

	key := addr.key(env)
	if err := s.publisher.Publish(ctx, addr.exchange, key, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", env.ID, s.destination, err)
	}

	s.logger.Debug("published envelope",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"exchange", addr.exchange,
		"routingKey", key,
	)
	return nil
}

// addressFor follows an envelope's own rabbitmq:// destination, so one
// sender registered for the scheme serves every exchange and queue
func (s *Sender) addressFor(env *contracts.Envelope) (address, error) {
	d := env.Destination
	if d == nil || d.Scheme != Scheme || d.String() == s.destination.String() {
		return s.address, nil
	}
	return parseAddress(d)
}

func (s *Sender) publishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := s.codec.Encode(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode %s: %w", env.ID, err)
	}

	now := s.clock.Now()
	headers := make(amqp.Table, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[k] = v
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   serialization.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		MessageId:     env.ID,
		Timestamp:     now,
		Type:          env.MessageType,
		AppId:         env.Source,
		Body:          body,
	}
	if env.ReplyURI != nil {
		msg.ReplyTo = replyTo(env.ReplyURI)
	}

	if !env.DeliverBy.IsZero() {
		ttl := env.DeliverBy.Sub(now)
		if env.IsScheduledForLater(now) {
			ttl = env.DeliverBy.Sub(env.ResolveScheduledTime(now))
		}
		if ttl > 0 {
			msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
		}
	}

	if s.SupportsNativeScheduling() && env.IsScheduledForLater(now) {
		headers[HeaderDelay] = delay(now, env.ResolveScheduledTime(now)).Milliseconds()
	}

	return msg, nil
}

// replyTo renders a reply address as an AMQP reply-to queue name when it
// names a queue, and as the full URI otherwise
func replyTo(u *url.URL) string {
	if u.Scheme == Scheme && u.Host == kindQueue {
		return QueueName(u)
	}
	return u.String()
}

// QueueName returns the queue named by a rabbitmq://queue/<name> address
func QueueName(u *url.URL) string {
	addr, err := parseAddress(u)
	if err != nil || addr.exchange != "" {
		return ""
	}
	return addr.routingKey
}

// delay returns how long the broker should hold a scheduled publish
func delay(now, due time.Time) time.Duration {
	if d := due.Sub(now); d > 0 {
		return d
	}
	return 0
}
