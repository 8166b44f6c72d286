package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrUnknownMessageType is returned when decoding a message type that was never registered
var ErrUnknownMessageType = errors.New("serialization: unknown message type")

// TypeRegistry maps the message type names carried on the wire to Go types
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers the type of sample under typeName. Pointer samples register
// their element type; decoded messages are always values.
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if sample == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[typeName]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers sample under the name envelopes carry for it
func (r *TypeRegistry) RegisterType(sample any) error {
	return r.Register(contracts.TypeName(sample), sample)
}

// Get returns the type registered under typeName
func (r *TypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, typeName)
	}
	return t, nil
}

// NameOf returns the name msg's type is registered under
func (r *TypeRegistry) NameOf(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrUnknownMessageType, t)
	}
	return name, nil
}

// IsRegistered reports whether typeName is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns the registered type names in sorted order
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newValue returns a pointer to a fresh zero value of the registered type
func (r *TypeRegistry) newValue(typeName string) (reflect.Value, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.New(t), nil
}
