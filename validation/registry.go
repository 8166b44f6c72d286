package validation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrRejected is wrapped by every RejectedError
var ErrRejected = errors.New("validation: message rejected")

// RejectedError carries the problem payload of a rejected message to callers
// that signal failure with an error rather than an HTTP response.
type RejectedError struct {
	MessageType string
	Problem     *ProblemDetails
}

func (e *RejectedError) Error() string {
	count := 0
	if e.Problem != nil {
		count = len(e.Problem.Failures)
	}
	return fmt.Sprintf("validation: %s rejected with %d failure(s)", e.MessageType, count)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// AsRejected extracts a RejectedError from err
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

type entry interface {
	run(ctx context.Context, msg any, policy Policy) (Result, error)
}

type typedEntry[T any] struct {
	validators []Validator[T]
	source     ProblemDetailSource[T]
}

func (e *typedEntry[T]) run(ctx context.Context, msg any, policy Policy) (Result, error) {
	typed, ok := msg.(T)
	if !ok {
		return Result{}, fmt.Errorf("validation: expected %T, got %T", *new(T), msg)
	}
	return Execute(ctx, typed, e.validators, e.source, policy)
}

// Registry holds the validators of each message type and runs them with one policy
type Registry struct {
	entries map[reflect.Type]entry
	policy  Policy
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry using policy
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		entries: make(map[reflect.Type]entry),
		policy:  policy,
	}
}

// SetPolicy changes the execution policy for every registered type
func (r *Registry) SetPolicy(policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Policy returns the execution policy
func (r *Registry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Register adds validators for messages of type T. Registering the same type
// again appends validators; a non-nil source replaces the previous one.
// A type registered without a source uses DefaultProblemDetailSource.
func Register[T any](r *Registry, source ProblemDetailSource[T], validators ...Validator[T]) {
	if len(validators) == 0 {
		return
	}

	key := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[key].(*typedEntry[T])
	if !ok {
		existing = &typedEntry[T]{source: DefaultProblemDetailSource[T]{}}
		r.entries[key] = existing
	}
	if source != nil {
		existing.source = source
	}
	existing.validators = append(existing.validators, validators...)
}

// Has reports whether msg has registered validators
func (r *Registry) Has(msg any) bool {
	if msg == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[reflect.TypeOf(msg)]
	return ok
}

// Validate runs the validators registered for the dynamic type of msg.
// Messages without validators continue.
func (r *Registry) Validate(ctx context.Context, msg any) (Result, error) {
	if msg == nil {
		return Result{}, nil
	}

	r.mu.RLock()
	e, ok := r.entries[reflect.TypeOf(msg)]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return Result{}, nil
	}
	return e.run(ctx, msg, policy)
}

// Check is Validate for callers that stop on error: a rejection becomes a *RejectedError
func (r *Registry) Check(ctx context.Context, msg any) error {
	res, err := r.Validate(ctx, msg)
	if err != nil {
		return err
	}
	if !res.Continue() {
		return &RejectedError{MessageType: reflect.TypeOf(msg).String(), Problem: res.Problem}
	}
	return nil
}
