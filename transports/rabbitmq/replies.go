package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/serialization"
)

// HeaderReplyError carries the receiver's error text on a failed reply
const HeaderReplyError = "x-reply-error"

// ErrNotAReply is returned for deliveries on the reply queue that answer nothing
var ErrNotAReply = errors.New("rabbitmq: delivery has no " + messaging.HeaderInReplyTo + " header")

// ReplyCompleter resolves pending SendAndWait and Request calls. *messaging.Bus implements it.
type ReplyCompleter interface {
	CompleteReply(envelopeID string, result any, err error) bool
}

// RemoteError is a failure reported by the receiver of a request
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote handler failed: " + e.Message
}

// ReplyListener consumes the reply queue and completes the matching waits
type ReplyListener struct {
	consumer  *rabbitmq.Consumer
	codec     *serialization.Codec
	completer ReplyCompleter
	queue     string
	logger    *slog.Logger
}

// NewReplyListener creates a listener for queue
func NewReplyListener(consumer *rabbitmq.Consumer, codec *serialization.Codec, completer ReplyCompleter, queue string, logger *slog.Logger) *ReplyListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyListener{
		consumer:  consumer,
		codec:     codec,
		completer: completer,
		queue:     queue,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled
func (l *ReplyListener) Run(ctx context.Context) error {
	return l.consumer.Run(ctx, l.queue, l.handle)
}

func (l *ReplyListener) handle(ctx context.Context, d amqp.Delivery) error {
	env, err := l.codec.Decode(d.Body)
	if err != nil {
		return fmt.Errorf("failed to decode reply %s: %w", d.MessageId, err)
	}

	inReplyTo := env.Headers[messaging.HeaderInReplyTo]
	if inReplyTo == "" {
		return ErrNotAReply
	}

	var replyErr error
	if text := env.Headers[HeaderReplyError]; text != "" {
		replyErr = &RemoteError{Message: text}
	}

	if !l.completer.CompleteReply(inReplyTo, env.Message, replyErr) {
		l.logger.Debug("reply discarded, caller is no longer waiting",
			"messageId", env.ID,
			"inReplyTo", inReplyTo,
		)
	}
	return nil
}
