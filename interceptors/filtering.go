package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrFiltered is returned by FilteringInterceptor with SkipWithError
var ErrFiltered = errors.New("interceptors: message filtered")

// MessageFilter decides whether an envelope is handled
type MessageFilter interface {
	// ShouldProcess returns true if the envelope should be processed
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: type=%s, id=%s", ErrFiltered, env.MessageType, env.ID)
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"messageId", env.ID,
				"messageType", env.MessageType,
			)
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// MessageTypeFilter filters messages by type
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	typeMap := make(map[string]bool)
	for _, t := range allowedTypes {
		typeMap[t] = true
	}
	return &MessageTypeFilter{allowedTypes: typeMap}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f.allowedTypes[env.MessageType], nil
}

// HeaderFilter passes envelopes carrying a header with the expected value
type HeaderFilter struct {
	key, value string
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key, value string) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return env.Headers[f.key] == f.value, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, env, next)
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
