package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/telemetry"
	"github.com/glimte/mmate-bus/validation"
	"go.opentelemetry.io/otel/trace"
)

// Handler handles an envelope at the end of an interceptor chain
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Interceptor wraps local handling of an envelope
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added, then the final handler
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	c.logger.Debug("added interceptor", "interceptor", interceptor.Name())
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute executes the interceptor chain. A nil chain calls finalHandler directly.
func (c *InterceptorChain) Execute(ctx context.Context, env *contracts.Envelope, finalHandler Handler) error {
	if c.Len() == 0 {
		return finalHandler.Handle(ctx, env)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		})
	}

	return handler.Handle(ctx, env)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"correlationId", env.CorrelationID,
	)

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives handler metrics. messaging.MetricsCollector satisfies it.
type MetricsCollector interface {
	RecordHandled(messageType string, duration time.Duration, success bool)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	err := next.Handle(ctx, env)
	i.collector.RecordHandled(env.MessageType, time.Since(start), err == nil)
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TracingInterceptor starts a consumer span per handled envelope, continuing
// the trace carried in the envelope headers.
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a new tracing interceptor. A nil tracer uses the global provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = telemetry.Tracer(nil)
	}
	return &TracingInterceptor{tracer: tracer}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ctx = telemetry.Extract(ctx, env)
	spanCtx, span := telemetry.StartSpan(ctx, i.tracer, "process", env, trace.SpanKindConsumer)

	err := next.Handle(spanCtx, env)
	telemetry.End(span, err)
	return err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// ValidationInterceptor runs the registered validators before the handler.
// A rejected message stops the chain with a *validation.RejectedError.
type ValidationInterceptor struct {
	registry *validation.Registry
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(registry *validation.Registry) *ValidationInterceptor {
	return &ValidationInterceptor{registry: registry}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if err := i.registry.Check(ctx, env.Message); err != nil {
		if rejected, ok := validation.AsRejected(err); ok {
			rejected.MessageType = env.MessageType
			return rejected
		}
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds handler execution time
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		if err != nil && timeoutCtx.Err() != nil {
			return i.expired(ctx, env)
		}
		return err
	case <-timeoutCtx.Done():
		return i.expired(ctx, env)
	}
}

func (i *TimeoutInterceptor) expired(parent context.Context, env *contracts.Envelope) error {
	if parent.Err() != nil {
		return contracts.Cancelled("handle "+env.MessageType, parent.Err())
	}
	return contracts.TimedOut("handle "+env.MessageType, i.timeout)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ChainBuilder builds a common interceptor chain
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds metrics interceptor
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithTracing adds tracing interceptor
func (b *ChainBuilder) WithTracing(tracer trace.Tracer) *ChainBuilder {
	b.chain.Add(NewTracingInterceptor(tracer))
	return b
}

// WithValidation adds validation interceptor
func (b *ChainBuilder) WithValidation(registry *validation.Registry) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(registry))
	return b
}

// WithDuplicateDetection adds a duplicate detection interceptor
func (b *ChainBuilder) WithDuplicateDetection(detector DuplicateDetector) *ChainBuilder {
	b.chain.Add(NewDuplicateDetectionInterceptor(detector, b.logger))
	return b
}

// WithTimeout adds timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
