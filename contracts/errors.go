package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDestination is wrapped by every AddressingError
	ErrInvalidDestination = errors.New("contracts: invalid destination")
	// ErrUnsupportedOperation is returned when a transport or recorder cannot honour an operation
	ErrUnsupportedOperation = errors.New("contracts: unsupported operation")
	// ErrCancelled is returned when a caller's cancellation signal fires while waiting
	ErrCancelled = errors.New("contracts: operation cancelled")
	// ErrTimedOut is returned when a timeout elapses before completion
	ErrTimedOut = errors.New("contracts: operation timed out")
	// ErrTerminalStatus is returned when rewriting a terminal envelope status
	ErrTerminalStatus = errors.New("contracts: envelope status is terminal")
	// ErrInvalidSchedule is returned for schedules without exactly one of time or delay
	ErrInvalidSchedule = errors.New("contracts: invalid schedule")
	// ErrNilMessage is returned when dispatching a nil message
	ErrNilMessage = errors.New("contracts: message cannot be nil")
)

// AddressingError reports a missing or malformed destination, endpoint, topic or queue
type AddressingError struct {
	Mode    string
	Address string
	Reason  string
}

func (e *AddressingError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("addressing error: %s %q: %s", e.Mode, e.Address, e.Reason)
	}
	return fmt.Sprintf("addressing error: %s: %s", e.Mode, e.Reason)
}

func (e *AddressingError) Unwrap() error {
	return ErrInvalidDestination
}

// IsAddressingError checks if an error is an addressing error
func IsAddressingError(err error) bool {
	var addrErr *AddressingError
	return errors.As(err, &addrErr)
}

// Unsupported wraps ErrUnsupportedOperation with the name of the operation
func Unsupported(op, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrUnsupportedOperation, op, reason)
}

// Cancelled reports that the caller's cancellation signal fired while op was waiting.
// The context error stays in the chain so errors.Is(err, context.Canceled) keeps working.
func Cancelled(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrCancelled, op, cause)
}

// TimedOut reports that op did not complete within timeout
func TimedOut(op string, timeout time.Duration) error {
	return fmt.Errorf("%w: %s after %v", ErrTimedOut, op, timeout)
}
