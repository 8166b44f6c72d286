package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every state transition
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker fails sends fast while a transport keeps failing.
// It never retries: a rejected call returns a *CircuitBreakerError immediately.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	name             string
	now              func() time.Time
	logger           *slog.Logger
	onStateChange    []StateChangeFunc
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes in half-open state that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger sets the logger used for state transitions
func WithLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateChange registers a state transition callback. Callbacks run synchronously without the lock held.
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		now:              time.Now,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit rejects it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	transition, err := cb.acquire()
	cb.notify(transition)
	if err != nil {
		return err
	}

	err = fn()
	cb.notify(cb.record(err))
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInUse = 0
}

type stateTransition struct {
	from, to State
	reason   string
}

func (cb *CircuitBreaker) acquire() (*stateTransition, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var transition *stateTransition
	if cb.state == StateOpen {
		nextProbe := cb.lastFailureTime.Add(cb.openTimeout)
		if cb.now().Before(nextProbe) {
			return nil, cb.rejection(nextProbe)
		}
		transition = cb.moveLocked(StateHalfOpen, "open timeout expired")
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			return transition, cb.rejection(cb.now().Add(cb.openTimeout))
		}
		cb.halfOpenInUse++
	}
	return transition, nil
}

func (cb *CircuitBreaker) record(err error) *stateTransition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if err != nil {
		cb.failures++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				return cb.moveLocked(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			return cb.moveLocked(StateOpen, "probe failed")
		}
		return nil
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			return cb.moveLocked(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
	return nil
}

func (cb *CircuitBreaker) moveLocked(to State, reason string) *stateTransition {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.halfOpenInUse = 0
	if to == StateClosed {
		cb.failures = 0
	}
	return &stateTransition{from: from, to: to, reason: reason}
}

func (cb *CircuitBreaker) rejection(nextProbe time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextProbe:        nextProbe,
	}
}

func (cb *CircuitBreaker) notify(t *stateTransition) {
	if t == nil {
		return
	}
	cb.logger.Warn("circuit breaker state changed",
		"circuitBreaker", cb.name,
		"from", t.from.String(),
		"to", t.to.String(),
		"reason", t.reason,
	)
	for _, fn := range cb.onStateChange {
		fn(cb.name, t.from, t.to, t.reason)
	}
}
