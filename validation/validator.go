package validation

import (
	"context"
	"fmt"
)

// Failure is one validation failure reported by a validator
type Failure struct {
	Validator      string `json:"validator,omitempty"`
	Field          string `json:"field,omitempty"`
	Message        string `json:"message"`
	Code           string `json:"code,omitempty"`
	AttemptedValue any    `json:"attemptedValue,omitempty"`
}

func (f *Failure) String() string {
	if f.Field == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Validator checks a message of type T. Failures describe an invalid message;
// a non-nil error means the validator itself could not run.
type Validator[T any] interface {
	Name() string
	Validate(ctx context.Context, msg T) ([]*Failure, error)
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc[T any] struct {
	name string
	fn   func(ctx context.Context, msg T) ([]*Failure, error)
}

// NewValidatorFunc creates a named function validator
func NewValidatorFunc[T any](name string, fn func(ctx context.Context, msg T) ([]*Failure, error)) *ValidatorFunc[T] {
	return &ValidatorFunc[T]{name: name, fn: fn}
}

// Name implements Validator
func (v *ValidatorFunc[T]) Name() string {
	return v.name
}

// Validate implements Validator. Failures without a validator name are stamped with this one.
func (v *ValidatorFunc[T]) Validate(ctx context.Context, msg T) ([]*Failure, error) {
	failures, err := v.fn(ctx, msg)
	for _, f := range failures {
		if f != nil && f.Validator == "" {
			f.Validator = v.name
		}
	}
	return failures, err
}

// Rule builds a validator from field checks. Each check returns a failure or nil.
func Rule[T any](name string, checks ...func(msg T) *Failure) *ValidatorFunc[T] {
	return NewValidatorFunc(name, func(_ context.Context, msg T) ([]*Failure, error) {
		var failures []*Failure
		for _, check := range checks {
			if f := check(msg); f != nil {
				failures = append(failures, f)
			}
		}
		return failures, nil
	})
}

// Field returns a failure for field with message
func Field(field, message string) *Failure {
	return &Failure{Field: field, Message: message}
}
