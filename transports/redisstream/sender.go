// Package redisstream appends envelopes to Redis streams with XADD.
//
// Addresses are redis://<stream>. Each entry carries the encoded envelope in
// its payload field next to flat id, type and correlation fields.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
)

// Scheme is the URI scheme of stream destinations
const Scheme = "redis"

// AnyStream is the host of the catch-all destination
const AnyStream = "*"

const (
	fieldID            = "id"
	fieldType          = "type"
	fieldCorrelationID = "correlationId"
	fieldPayload       = "payload"
	fieldProducedAt    = "producedAt" // unix nanoseconds
	fieldHeaderPrefix  = "header:"
)

// Client is the part of *redis.Client the sender uses
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamURI addresses one stream
func StreamURI(stream string) *url.URL {
	return &url.URL{Scheme: Scheme, Host: stream}
}

// Sender appends envelopes to a stream
type Sender struct {
	client       Client
	codec        *serialization.Codec
	destination  *url.URL
	stream       string
	streamPrefix string
	maxLenApprox int64
	clock        messaging.Clock
	logger       *slog.Logger
}

var _ messaging.Sender = (*Sender)(nil)

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithMaxLenApprox trims the stream to about n entries on every append
func WithMaxLenApprox(n int64) SenderOption {
	return func(s *Sender) {
		s.maxLenApprox = n
	}
}

// WithStreamPrefix prefixes stream names chosen per envelope by the catch-all sender
func WithStreamPrefix(prefix string) SenderOption {
	return func(s *Sender) {
		s.streamPrefix = prefix
	}
}

// WithClock sets the clock stamped on entries
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

// NewSender creates a sender for a redis:// destination
func NewSender(client Client, codec *serialization.Codec, destination *url.URL, options ...SenderOption) (*Sender, error) {
	if destination == nil || destination.Scheme != Scheme || destination.Host == "" {
		address := ""
		if destination != nil {
			address = destination.String()
		}
		return nil, &contracts.AddressingError{Mode: "destination", Address: address, Reason: "expected redis://<stream>"}
	}

	s := &Sender{
		client:      client,
		codec:       codec,
		destination: destination,
		clock:       xclock.Default(),
		logger:      slog.Default(),
	}
	if destination.Host != AnyStream {
		s.stream = destination.Host
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// NewTopicSender creates the catch-all sender, writing each envelope to the
// stream named by its redis:// destination, its topic or its message type
func NewTopicSender(client Client, codec *serialization.Codec, options ...SenderOption) *Sender {
	s, _ := NewSender(client, codec, StreamURI(AnyStream), options...)
	return s
}

// Destination implements messaging.Sender
func (s *Sender) Destination() *url.URL {
	return s.destination
}

// Send appends env to the stream
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	payload, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.ID, err)
	}

	values := make(map[string]any, 5+len(env.Headers))
	values[fieldID] = env.ID
	values[fieldType] = env.MessageType
	values[fieldCorrelationID] = env.CorrelationID
	values[fieldPayload] = payload
	values[fieldProducedAt] = s.clock.Now().UnixNano()
	for k, v := range env.Headers {
		values[fieldHeaderPrefix+k] = v
	}

	stream := s.streamFor(env)
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}
	if s.maxLenApprox > 0 {
		args.MaxLen = s.maxLenApprox
		args.Approx = true
	}

	entryID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to append %s to stream %s: %w", env.ID, stream, err)
	}

	s.logger.Debug("appended envelope",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"stream", stream,
		"entryId", entryID,
	)
	return nil
}

func (s *Sender) streamFor(env *contracts.Envelope) string {
	if s.stream != "" {
		return s.stream
	}
	if d := env.Destination; d != nil && d.Scheme == Scheme && d.Host != AnyStream {
		return d.Host
	}
	if env.TopicName != "" {
		return s.streamPrefix + env.TopicName
	}
	return s.streamPrefix + env.MessageType
}

// ClientConfig configures NewClient
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient returns a go-redis client for cfg
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
