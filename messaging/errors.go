package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned when a message type has no local handler
	ErrNoHandler = errors.New("messaging: no handler registered")
	// ErrNoSubscribers is returned by implicit sends with no route when subscribers are required
	ErrNoSubscribers = errors.New("messaging: no subscribers for message type")
	// ErrUnexpectedResult is returned when a handler result does not have the requested type
	ErrUnexpectedResult = errors.New("messaging: unexpected result type")
	// ErrUnexpectedMessage is returned when a handler receives a message of another type
	ErrUnexpectedMessage = errors.New("messaging: unexpected message type")
	// ErrBusClosed is returned after Close
	ErrBusClosed = errors.New("messaging: bus is closed")
	// ErrQueueFull is returned by fail-fast local queues with no room left
	ErrQueueFull = errors.New("messaging: local queue is full")
	// ErrExpired is returned for envelopes past their deliver-by time when the caller waits on them
	ErrExpired = errors.New("messaging: message expired")
)

// Header names stamped on outgoing envelopes
const (
	HeaderReplyRequested = "x-reply-requested"
	HeaderInReplyTo      = "x-in-reply-to"
	HeaderScheduledFor   = "x-scheduled-for"
)

// SendError reports a transport failure for one envelope
type SendError struct {
	Destination string
	EnvelopeID  string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to %s: %v", e.EnvelopeID, e.Destination, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
