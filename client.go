// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/internal/telemetry"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/transports/kafka"
	rabbitmqTransport "github.com/glimte/mmate-bus/transports/rabbitmq"
	"github.com/glimte/mmate-bus/transports/redisstream"
	"github.com/glimte/mmate-bus/validation"
)

// Client assembles a Bus, its validators and the configured transport
type Client struct {
	cfg        config.Config
	bus        *messaging.Bus
	codec      *serialization.Codec
	validators *validation.Registry
	logger     *slog.Logger
	redis      *redis.Client
	health     *health.Registry
	closers    []func() error
	cancel     context.CancelFunc
	listeners  *errgroup.Group
}

// NewClient creates a client for cfg. Remote transports are connected before it returns.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(o)
	}
	logger := o.logger.With("service", cfg.ServiceName)

	registry := serialization.NewTypeRegistry()
	for _, sample := range o.messageTypes {
		if err := registry.RegisterType(sample); err != nil {
			return nil, fmt.Errorf("failed to register message type: %w", err)
		}
	}

	c := &Client{
		cfg:        cfg,
		codec:      serialization.NewCodec(registry),
		validators: validation.NewRegistry(cfg.ValidationPolicy),
		logger:     logger,
		health:     health.NewRegistry(),
	}

	var metrics messaging.MetricsCollector = messaging.NoOpMetricsCollector{}
	if o.meterProvider != nil {
		collector, err := telemetry.NewMetricsCollector(o.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = collector
	}
	tracer := telemetry.Tracer(o.tracerProvider)

	var busOptions []messaging.BusOption
	attach, err := c.connect(ctx, &busOptions)
	if err != nil {
		_ = c.closeTransports()
		return nil, err
	}

	builder := interceptors.NewChainBuilder(logger).
		WithLogging().
		WithTracing(tracer).
		WithMetrics(metrics)
	if cfg.DedupWindow > 0 {
		builder.WithDuplicateDetection(c.duplicateDetector())
	}
	builder.WithValidation(c.validators)
	if o.handlerTimeout > 0 {
		builder.WithTimeout(o.handlerTimeout)
	}
	for _, interceptor := range o.interceptors {
		builder.WithCustom(interceptor)
	}

	busOptions = append(busOptions,
		messaging.WithLogger(logger),
		messaging.WithTracer(tracer),
		messaging.WithMetrics(metrics),
		messaging.WithInterceptors(builder.Build()),
		messaging.WithRequireSubscriber(cfg.RequireSubscriber),
		messaging.WithSource(cfg.ServiceName),
		messaging.WithLocalQueueOptions(
			messaging.WithWorkers(cfg.LocalQueueWorkers),
			messaging.WithQueueCapacity(cfg.LocalQueueCapacity),
			messaging.WithFailFast(cfg.LocalQueueFailFast),
		),
	)
	if cfg.BreakerFailures > 0 && cfg.Transport != config.TransportLocal {
		breaker := reliability.NewCircuitBreaker(
			reliability.WithName(cfg.Transport),
			reliability.WithFailureThreshold(cfg.BreakerFailures),
			reliability.WithTimeout(cfg.BreakerTimeout),
			reliability.WithLogger(logger),
		)
		busOptions = append(busOptions, messaging.WithCircuitBreaker(breaker))
		c.health.Register(health.NewBreakerChecker(breaker))
	}

	c.bus = messaging.NewBus(busOptions...)
	if attach != nil {
		listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.listeners, listenCtx = errgroup.WithContext(listenCtx)
		attach(listenCtx, c.bus)
	}

	logger.Info("client ready", "transport", cfg.Transport)
	return c, nil
}

// connect opens the configured transport, adds the bus options it needs and
// returns the function that routes the bus to it
func (c *Client) connect(ctx context.Context, busOptions *[]messaging.BusOption) (func(context.Context, *messaging.Bus), error) {
	cfg := c.cfg

	switch cfg.Transport {
	case config.TransportRabbitMQ:
		transport, err := rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQ.URL, c.codec,
			rabbitmqTransport.WithReplyQueue(cfg.RabbitMQ.ReplyQueue),
			rabbitmqTransport.WithPoolSize(cfg.RabbitMQ.PoolSize),
			rabbitmqTransport.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
			rabbitmqTransport.WithLogger(c.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq transport: %w", err)
		}
		c.closers = append(c.closers, transport.Close)
		c.health.Register(health.NewConnectionChecker(rabbitmqTransport.Scheme, transport))

		if cfg.RabbitMQ.DelayedExchange {
			err = transport.DeclareDelayedExchange(ctx, cfg.RabbitMQ.Exchange, "topic")
		} else {
			err = transport.Declare(ctx, rabbitmq.Topology{
				Exchanges: []rabbitmq.ExchangeDeclaration{{Name: cfg.RabbitMQ.Exchange, Kind: "topic", Durable: true}},
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.RabbitMQ.Exchange, err)
		}

		sender, err := transport.Sender(rabbitmqTransport.ExchangeURI(cfg.RabbitMQ.Exchange, ""),
			rabbitmqTransport.WithDelayedExchange(cfg.RabbitMQ.DelayedExchange),
		)
		if err != nil {
			return nil, err
		}

		if replyURI := transport.ReplyURI(); replyURI != nil {
			*busOptions = append(*busOptions, messaging.WithReplyURI(replyURI))
		}
		return func(ctx context.Context, bus *messaging.Bus) {
			bus.Router().UseTopicSender(sender).RouteScheme(rabbitmqTransport.Scheme, sender)
			if transport.ReplyURI() == nil {
				return
			}
			c.listeners.Go(func() error {
				return transport.ListenForReplies(ctx, bus)
			})
		}, nil

	case config.TransportKafka:
		writer := kafka.NewWriter(kafka.WriterConfig{
			Brokers:      cfg.Kafka.Brokers,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		c.closers = append(c.closers, writer.Close)
		c.health.Register(health.NewKafkaChecker(cfg.Kafka.Brokers, nil))

		sender := kafka.NewTopicSender(writer, c.codec, kafka.WithLogger(c.logger))
		return func(_ context.Context, bus *messaging.Bus) {
			bus.Router().UseTopicSender(sender).RouteScheme(kafka.Scheme, sender)
		}, nil

	case config.TransportRedis:
		client := redisstream.NewClient(redisstream.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
		c.redis = client
		c.health.Register(health.NewRedisChecker(client))

		sender := redisstream.NewTopicSender(client, c.codec,
			redisstream.WithStreamPrefix(cfg.Redis.StreamPrefix),
			redisstream.WithMaxLenApprox(cfg.Redis.MaxLenApprox),
			redisstream.WithLogger(c.logger),
		)
		return func(_ context.Context, bus *messaging.Bus) {
			bus.Router().UseTopicSender(sender).RouteScheme(redisstream.Scheme, sender)
		}, nil
	}

	return nil, nil
}

// duplicateDetector shares claims through Redis when the redis transport is in use
func (c *Client) duplicateDetector() interceptors.DuplicateDetector {
	if c.redis != nil {
		return interceptors.NewRedisDuplicateDetector(c.redis, c.cfg.Redis.StreamPrefix+"dedup:", c.cfg.DedupWindow)
	}
	return interceptors.NewMemoryDuplicateDetector(c.cfg.DedupWindow, nil)
}

// Bus returns the message bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Health returns the registry checking the transport and its circuit breaker
func (c *Client) Health() *health.Registry {
	return c.health
}

// Validators returns the validation registry run before every handler and by httpapi endpoints
func (c *Client) Validators() *validation.Registry {
	return c.validators
}

// Codec returns the envelope codec shared by the transports
func (c *Client) Codec() *serialization.Codec {
	return c.codec
}

// Config returns the configuration the client was created with
func (c *Client) Config() config.Config {
	return c.cfg
}

// Close drains the bus, stops reply listeners and closes the transport
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if c.cancel != nil {
		c.cancel()
		if err := c.listeners.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.closeTransports())
	return errors.Join(errs...)
}

func (c *Client) closeTransports() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	messageTypes   []any
	interceptors   []interceptors.Interceptor
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	handlerTimeout time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMessageTypes registers the types replies and incoming envelopes decode into
func WithMessageTypes(samples ...any) ClientOption {
	return func(cfg *clientConfig) {
		cfg.messageTypes = append(cfg.messageTypes, samples...)
	}
}

// WithInterceptors appends interceptors after the built-in logging, tracing,
// metrics and validation ones
func WithInterceptors(interceptors ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = tp
	}
}

// WithMeterProvider enables OpenTelemetry metrics
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = mp
	}
}

// WithHandlerTimeout bounds every local handler execution
func WithHandlerTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlerTimeout = timeout
	}
}
