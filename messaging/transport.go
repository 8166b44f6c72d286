package messaging

import (
	"context"
	"net/url"

	"github.com/glimte/mmate-bus/contracts"
)

// Sender delivers envelopes to one destination. Transports implement Sender;
// local queues are exposed to the router as senders too.
type Sender interface {
	// Send hands the envelope to the transport. It must not retry.
	Send(ctx context.Context, env *contracts.Envelope) error

	// Destination returns the address this sender delivers to
	Destination() *url.URL
}

// NativeScheduler is implemented by senders whose broker can hold a message
// until its scheduled time. Other senders get scheduled envelopes from the
// in-memory scheduler when they become due.
type NativeScheduler interface {
	SupportsNativeScheduling() bool
}

// ReplyCapable is implemented by senders that can correlate acknowledgements
// and replies back to the caller.
type ReplyCapable interface {
	SupportsReplies() bool
}

// SenderFunc adapts a function to Sender for a fixed destination
type SenderFunc struct {
	URI *url.URL
	Fn  func(ctx context.Context, env *contracts.Envelope) error
}

// Send implements Sender
func (s SenderFunc) Send(ctx context.Context, env *contracts.Envelope) error {
	return s.Fn(ctx, env)
}

// Destination implements Sender
func (s SenderFunc) Destination() *url.URL {
	return s.URI
}

func supportsNativeScheduling(s Sender) bool {
	ns, ok := s.(NativeScheduler)
	return ok && ns.SupportsNativeScheduling()
}

func supportsReplies(s Sender) bool {
	rc, ok := s.(ReplyCapable)
	return ok && rc.SupportsReplies()
}
