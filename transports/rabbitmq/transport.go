package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
)

// Transport owns one broker connection and hands out senders over it
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	codec     *serialization.Codec
	cfg       *TransportConfig
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ReplyQueue     string
	PoolSize       int
	ConfirmTimeout time.Duration
	PrefetchCount  int
	Logger         *slog.Logger
	Clock          messaging.Clock
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithReplyQueue sets the queue replies to this process are sent to
func WithReplyQueue(queue string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReplyQueue = queue
	}
}

// WithPoolSize caps the number of publishing channels
func WithPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = size
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithPrefetchCount sets the reply consumer prefetch
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithClock sets the clock senders use for delays and expirations
func WithClock(clock messaging.Clock) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Clock = clock
	}
}

// NewTransport connects to the broker at connectionString
func NewTransport(ctx context.Context, connectionString string, codec *serialization.Codec, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		PoolSize:       10,
		ConfirmTimeout: 5 * time.Second,
		PrefetchCount:  10,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, rabbitmq.WithLogger(cfg.Logger))
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.PoolSize),
		rabbitmq.WithChannelLogger(cfg.Logger),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
			rabbitmq.WithPublisherLogger(cfg.Logger),
		),
		codec: codec,
		cfg:   cfg,
	}, nil
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Sender returns a sender for a rabbitmq:// destination
func (t *Transport) Sender(destination *url.URL, options ...SenderOption) (*Sender, error) {
	opts := []SenderOption{WithSenderLogger(t.cfg.Logger), WithReplies(t.ReplyURI() != nil)}
	if t.cfg.Clock != nil {
		opts = append(opts, WithSenderClock(t.cfg.Clock))
	}
	return NewSender(t.publisher, t.codec, destination, append(opts, options...)...)
}

// Declare declares exchanges, queues and bindings
func (t *Transport) Declare(ctx context.Context, topology rabbitmq.Topology) error {
	return rabbitmq.DeclareTopology(ctx, t.pool, topology)
}

// DeclareDelayedExchange declares an x-delayed-message exchange routing like kind
func (t *Transport) DeclareDelayedExchange(ctx context.Context, name, kind string) error {
	return t.Declare(ctx, rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{rabbitmq.DelayedExchange(name, kind)},
	})
}

// ReplyURI is the address remote receivers reply to, empty without a reply queue
func (t *Transport) ReplyURI() *url.URL {
	if t.cfg.ReplyQueue == "" {
		return nil
	}
	return QueueURI(t.cfg.ReplyQueue)
}

// ListenForReplies declares the reply queue and completes waits on completer
// until ctx is cancelled
func (t *Transport) ListenForReplies(ctx context.Context, completer ReplyCompleter) error {
	if t.cfg.ReplyQueue == "" {
		return fmt.Errorf("%w: no reply queue configured", rabbitmq.ErrInvalidConfiguration)
	}

	err := t.Declare(ctx, rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{{Name: t.cfg.ReplyQueue, AutoDelete: true}},
	})
	if err != nil {
		return err
	}

	consumer := rabbitmq.NewConsumer(t.manager,
		rabbitmq.WithPrefetchCount(t.cfg.PrefetchCount),
		rabbitmq.WithConsumerLogger(t.cfg.Logger),
	)
	return NewReplyListener(consumer, t.codec, completer, t.cfg.ReplyQueue, t.cfg.Logger).Run(ctx)
}

// Close closes the channel pool and the connection
func (t *Transport) Close() error {
	if err := t.pool.Close(); err != nil {
		return err
	}
	return t.manager.Close()
}
