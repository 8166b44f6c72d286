package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func TestScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("fires once due", func(t *testing.T) {
		s := NewScheduler(xclock.Default(), nil)
		defer s.Close()
		env := contracts.NewEnvelope(ctx, placeOrder{})
		fired := make(chan *contracts.Envelope, 1)

		require.NoError(t, s.Schedule(env, time.Now().Add(20*time.Millisecond), func(env *contracts.Envelope) {
			fired <- env
		}))
		pending := s.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, env.ID, pending[0].EnvelopeID)
		assert.Equal(t, "placeOrder", pending[0].MessageType)

		select {
		case got := <-fired:
			assert.Same(t, env, got)
		case <-time.After(time.Second):
			t.Fatal("scheduled envelope did not fire")
		}
		assert.Empty(t, s.Pending())
	})

	t.Run("past due fires immediately", func(t *testing.T) {
		s := NewScheduler(xclock.Default(), nil)
		defer s.Close()
		fired := make(chan struct{}, 1)

		require.NoError(t, s.Schedule(contracts.NewEnvelope(ctx, placeOrder{}), time.Now().Add(-time.Minute), func(*contracts.Envelope) {
			fired <- struct{}{}
		}))

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("past due envelope did not fire")
		}
	})

	t.Run("rescheduling replaces the pending entry", func(t *testing.T) {
		s := NewScheduler(xclock.Default(), nil)
		defer s.Close()
		env := contracts.NewEnvelope(ctx, placeOrder{})
		fired := make(chan string, 2)

		require.NoError(t, s.Schedule(env, time.Now().Add(time.Hour), func(*contracts.Envelope) { fired <- "first" }))
		require.NoError(t, s.Schedule(env, time.Now().Add(10*time.Millisecond), func(*contracts.Envelope) { fired <- "second" }))

		assert.Len(t, s.Pending(), 1)
		select {
		case which := <-fired:
			assert.Equal(t, "second", which)
		case <-time.After(time.Second):
			t.Fatal("rescheduled envelope did not fire")
		}
	})

	t.Run("cancel and close", func(t *testing.T) {
		s := NewScheduler(xclock.Default(), nil)
		env := contracts.NewEnvelope(ctx, placeOrder{})
		noop := func(*contracts.Envelope) {}

		require.NoError(t, s.Schedule(env, time.Now().Add(time.Hour), noop))
		assert.True(t, s.Cancel(env.ID))
		assert.False(t, s.Cancel(env.ID))

		require.NoError(t, s.Schedule(env, time.Now().Add(time.Hour), noop))
		s.Close()
		assert.Empty(t, s.Pending())
		assert.ErrorIs(t, s.Schedule(env, time.Now(), noop), ErrBusClosed)
	})
}
