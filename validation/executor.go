package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNoValidators is returned when asked to execute an empty validator list
var ErrNoValidators = errors.New("validation: no validators")

// Policy selects how multiple validators run
type Policy int

const (
	// Concurrent runs all validators at once. It is the zero value.
	Concurrent Policy = iota
	// Sequential awaits each validator before starting the next
	Sequential
)

func (p Policy) String() string {
	switch p {
	case Concurrent:
		return "concurrent"
	case Sequential:
		return "sequential"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "concurrent" or "sequential". The empty string is Concurrent.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concurrent", "default":
		return Concurrent, nil
	case "sequential", "forcesequential":
		return Sequential, nil
	default:
		return Concurrent, fmt.Errorf("validation: unknown policy %q", s)
	}
}

// UnmarshalText lets configuration loaders decode a Policy
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Result is the outcome of validation. A nil Problem means processing continues.
type Result struct {
	Problem *ProblemDetails
}

// Continue reports whether processing should proceed
func (r Result) Continue() bool {
	return r.Problem == nil
}

// Execute validates msg with validators using policy. A single validator is run
// directly; several are run according to the policy.
func Execute[T any](ctx context.Context, msg T, validators []Validator[T], source ProblemDetailSource[T], policy Policy) (Result, error) {
	switch len(validators) {
	case 0:
		return Result{}, ErrNoValidators
	case 1:
		return ExecuteOne(ctx, msg, validators[0], source)
	default:
		return ExecuteMany(ctx, msg, validators, source, policy)
	}
}

// ExecuteOne runs a single validator
func ExecuteOne[T any](ctx context.Context, msg T, validator Validator[T], source ProblemDetailSource[T]) (Result, error) {
	failures, err := validator.Validate(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	return result(msg, compact(failures), source), nil
}

// ExecuteMany runs every validator under policy and reports all their failures at once
func ExecuteMany[T any](ctx context.Context, msg T, validators []Validator[T], source ProblemDetailSource[T], policy Policy) (Result, error) {
	if len(validators) == 0 {
		return Result{}, ErrNoValidators
	}

	var (
		failures []*Failure
		err      error
	)
	if policy == Sequential {
		failures, err = runSequential(ctx, msg, validators)
	} else {
		failures, err = runConcurrent(ctx, msg, validators)
	}
	if err != nil {
		return Result{}, err
	}

	return result(msg, failures, source), nil
}

func runSequential[T any](ctx context.Context, msg T, validators []Validator[T]) ([]*Failure, error) {
	var all []*Failure
	for _, v := range validators {
		failures, err := v.Validate(ctx, msg)
		if err != nil {
			return nil, err
		}
		all = append(all, compact(failures)...)
	}
	return all, nil
}

func runConcurrent[T any](ctx context.Context, msg T, validators []Validator[T]) ([]*Failure, error) {
	var (
		all []*Failure
		mu  sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range validators {
		g.Go(func() error {
			failures, err := v.Validate(gctx, msg)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, compact(failures)...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// result rejects whenever failures remain. A source that produces no payload
// falls back to the default one, and a payload without a status gets 400.
func result[T any](msg T, failures []*Failure, source ProblemDetailSource[T]) Result {
	if len(failures) == 0 {
		return Result{}
	}

	var problem *ProblemDetails
	if source != nil {
		problem = source.Create(msg, failures)
	}
	if problem == nil {
		problem = DefaultProblemDetailSource[T]{}.Create(msg, failures)
	}
	if problem.Status == 0 {
		problem.Status = http.StatusBadRequest
	}
	return Result{Problem: problem}
}

func compact(failures []*Failure) []*Failure {
	out := failures[:0:0]
	for _, f := range failures {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
