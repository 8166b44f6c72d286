// Package kafka sends envelopes to Kafka topics with segmentio/kafka-go.
//
// Addresses are kafka://<topic>. The catch-all kafka://* sender writes each
// envelope to the topic of its kafka:// destination, its topic name or its
// lowercased message type, and serves Router.UseTopicSender and RouteScheme.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trickstertwo/xclock"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
)

// Scheme is the URI scheme of Kafka destinations
const Scheme = "kafka"

// AnyTopic is the host of the catch-all destination
const AnyTopic = "*"

// Record headers set on every message
const (
	HeaderMessageID     = "mmate-message-id"
	HeaderMessageType   = "mmate-message-type"
	HeaderCorrelationID = "mmate-correlation-id"
	HeaderContentType   = "content-type"
)

// Writer writes messages to Kafka. *kafka.Writer implements it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// TopicURI addresses one topic
func TopicURI(topic string) *url.URL {
	return &url.URL{Scheme: Scheme, Host: topic}
}

// Sender writes envelopes to a topic
type Sender struct {
	writer      Writer
	codec       *serialization.Codec
	destination *url.URL
	topic       string
	clock       messaging.Clock
	logger      *slog.Logger
}

var _ messaging.Sender = (*Sender)(nil)

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithClock sets the clock stamped on records
func WithClock(clock messaging.Clock) SenderOption {
	return func(s *Sender) {
		s.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender creates a sender for a kafka:// destination
func NewSender(writer Writer, codec *serialization.Codec, destination *url.URL, options ...SenderOption) (*Sender, error) {
	if destination == nil || destination.Scheme != Scheme || destination.Host == "" {
		return nil, &contracts.AddressingError{Mode: "destination", Address: uriString(destination), Reason: "expected kafka://<topic>"}
	}

	s := &Sender{
		writer:      writer,
		codec:       codec,
		destination: destination,
		clock:       xclock.Default(),
		logger:      slog.Default(),
	}
	if destination.Host != AnyTopic {
		s.topic = destination.Host
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// NewTopicSender creates the catch-all sender
func NewTopicSender(writer Writer, codec *serialization.Codec, options ...SenderOption) *Sender {
	s, _ := NewSender(writer, codec, TopicURI(AnyTopic), options...)
	return s
}

// Destination implements messaging.Sender
func (s *Sender) Destination() *url.URL {
	return s.destination
}

// Send writes env as one record keyed by its correlation ID, so one flow stays on one partition
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	value, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.ID, err)
	}

	topic := s.topicFor(env)
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(env.CorrelationID),
		Value:   value,
		Headers: headers(env),
		Time:    s.clock.Now(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s to topic %s: %w", env.ID, topic, err)
	}

	s.logger.Debug("wrote envelope",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"topic", topic,
	)
	return nil
}

func (s *Sender) topicFor(env *contracts.Envelope) string {
	switch {
	case s.topic != "":
		return s.topic
	case env.Destination != nil && env.Destination.Scheme == Scheme && env.Destination.Host != AnyTopic:
		return env.Destination.Host
	case env.TopicName != "":
		return env.TopicName
	default:
		return strings.ToLower(env.MessageType)
	}
}

func headers(env *contracts.Envelope) []kafka.Header {
	hs := make([]kafka.Header, 0, 4+len(env.Headers))
	hs = append(hs,
		kafka.Header{Key: HeaderMessageID, Value: []byte(env.ID)},
		kafka.Header{Key: HeaderMessageType, Value: []byte(env.MessageType)},
		kafka.Header{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		kafka.Header{Key: HeaderContentType, Value: []byte(serialization.ContentType)},
	)
	for k, v := range env.Headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return hs
}

// WriterConfig configures NewWriter
type WriterConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// NewWriter returns a synchronous writer that waits for all in-sync replicas.
// Messages without a topic are rejected by kafka-go, so the writer itself has none.
func NewWriter(cfg WriterConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	if cfg.BatchTimeout > 0 {
		w.BatchTimeout = cfg.BatchTimeout
	}
	if cfg.WriteTimeout > 0 {
		w.WriteTimeout = cfg.WriteTimeout
	}
	return w
}

func uriString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
