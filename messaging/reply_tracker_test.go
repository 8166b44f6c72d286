package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("wait returns the completed reply", func(t *testing.T) {
		tracker := NewReplyTracker(nil)
		tracker.Register("env-1")

		go tracker.Complete("env-1", Reply{Result: "done"})

		reply, err := tracker.Wait(ctx, "request", "env-1", time.Second)

		require.NoError(t, err)
		assert.Equal(t, "env-1", reply.EnvelopeID)
		assert.Equal(t, "done", reply.Result)
		assert.False(t, reply.ReceivedAt.IsZero())
		assert.Zero(t, tracker.Pending())
	})

	t.Run("only the first completion counts", func(t *testing.T) {
		tracker := NewReplyTracker(nil)
		tracker.Register("env-1")

		assert.True(t, tracker.Complete("env-1", Reply{Result: 1}))
		assert.False(t, tracker.Complete("env-1", Reply{Result: 2}))

		reply, err := tracker.Wait(ctx, "request", "env-1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, reply.Result)
	})

	t.Run("unknown envelopes", func(t *testing.T) {
		tracker := NewReplyTracker(nil)

		assert.False(t, tracker.Complete("missing", Reply{}))
		_, err := tracker.Wait(ctx, "request", "missing", time.Second)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})

	t.Run("timeout", func(t *testing.T) {
		tracker := NewReplyTracker(nil)
		tracker.Register("env-1")

		_, err := tracker.Wait(ctx, "send and wait", "env-1", 10*time.Millisecond)

		assert.ErrorIs(t, err, contracts.ErrTimedOut)
		assert.False(t, tracker.Complete("env-1", Reply{}))
		assert.Zero(t, tracker.Pending())
	})

	t.Run("cancellation keeps the context error", func(t *testing.T) {
		tracker := NewReplyTracker(nil)
		tracker.Register("env-1")
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := tracker.Wait(cancelled, "request", "env-1", time.Minute)

		assert.ErrorIs(t, err, contracts.ErrCancelled)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
