package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is wrapped by every CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitBreakerError reports a call rejected by an open or saturated circuit
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextProbe        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, next probe at %s",
			e.Name, e.Failures, e.FailureThreshold, e.NextProbe.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %v", e.Name, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// IsCircuitOpen reports whether err was caused by a rejecting circuit breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
