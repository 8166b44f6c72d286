package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// MessageHandler processes one message and may return a result for InvokeForResult and Request
type MessageHandler interface {
	Handle(ctx context.Context, msg any) (any, error)
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg any) (any, error)

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg any) (any, error) {
	return f(ctx, msg)
}

// HandlerRegistration represents a registered handler
type HandlerRegistration struct {
	Handler     MessageHandler
	MessageType reflect.Type
	TypeName    string
}

// MessageDispatcher maps message types to their single local handler
type MessageDispatcher struct {
	handlers map[reflect.Type]HandlerRegistration
	mu       sync.RWMutex
	logger   *slog.Logger
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[reflect.Type]HandlerRegistration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register registers handler for messages with the same dynamic type as sample.
// Registering a second handler for a type replaces the first.
func (d *MessageDispatcher) Register(sample any, handler MessageHandler) error {
	if sample == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	d.register(reflect.TypeOf(sample), handler)
	return nil
}

func (d *MessageDispatcher) register(msgType reflect.Type, handler MessageHandler) {
	reg := HandlerRegistration{
		Handler:     handler,
		MessageType: msgType,
		TypeName:    displayName(msgType),
	}

	d.mu.Lock()
	_, replaced := d.handlers[msgType]
	d.handlers[msgType] = reg
	d.mu.Unlock()

	d.logger.Info("registered message handler",
		"messageType", reg.TypeName,
		"replaced", replaced,
	)
}

// Unregister removes the handler for the type of sample
func (d *MessageDispatcher) Unregister(sample any) bool {
	msgType := reflect.TypeOf(sample)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[msgType]; !ok {
		return false
	}
	delete(d.handlers, msgType)
	d.logger.Info("unregistered message handler", "messageType", displayName(msgType))
	return true
}

// HasHandler reports whether msg can be handled locally
func (d *MessageDispatcher) HasHandler(msg any) bool {
	if msg == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[reflect.TypeOf(msg)]
	return ok
}

// Dispatch runs the handler registered for the dynamic type of msg
func (d *MessageDispatcher) Dispatch(ctx context.Context, msg any) (any, error) {
	if msg == nil {
		return nil, contracts.ErrNilMessage
	}

	d.mu.RLock()
	reg, ok := d.handlers[reflect.TypeOf(msg)]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, contracts.TypeName(msg))
	}

	return reg.Handler.Handle(ctx, msg)
}

// RegisteredTypes returns the names of all message types that have handlers
func (d *MessageDispatcher) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for _, reg := range d.handlers {
		types = append(types, reg.TypeName)
	}
	return types
}

// Handle registers a handler for messages of type T
func Handle[T any](d *MessageDispatcher, fn func(ctx context.Context, msg T) error) {
	d.register(reflect.TypeOf((*T)(nil)).Elem(), MessageHandlerFunc(func(ctx context.Context, msg any) (any, error) {
		typed, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: handler expects %s, got %T", ErrUnexpectedMessage, typeNameOf[T](), msg)
		}
		return nil, fn(ctx, typed)
	}))
}

// HandleResult registers a handler for messages of type T that returns a result of type R
func HandleResult[T, R any](d *MessageDispatcher, fn func(ctx context.Context, msg T) (R, error)) {
	d.register(reflect.TypeOf((*T)(nil)).Elem(), MessageHandlerFunc(func(ctx context.Context, msg any) (any, error) {
		typed, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: handler expects %s, got %T", ErrUnexpectedMessage, typeNameOf[T](), msg)
		}
		return fn(ctx, typed)
	}))
}

func displayName(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		return "*" + displayName(t.Elem())
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
