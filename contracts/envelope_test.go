package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCreated struct {
	ID int `json:"id"`
}

type typedMessage struct {
	BaseMessage
	Total float64 `json:"total"`
}

func TestNewEnvelope(t *testing.T) {
	t.Run("defaults to created and unaddressed", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{ID: 42})

		_, err := uuid.Parse(env.ID)
		assert.NoError(t, err)
		assert.Equal(t, StatusCreated, env.Status)
		assert.Equal(t, "orderCreated", env.MessageType)
		assert.Nil(t, env.Destination)
		assert.Empty(t, env.EndpointName)
		assert.Empty(t, env.TopicName)
		assert.NotEmpty(t, env.CorrelationID)
	})

	t.Run("inherits correlation from context", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "corr-1")

		env := NewEnvelope(ctx, orderCreated{ID: 1})

		assert.Equal(t, "corr-1", env.CorrelationID)
	})

	t.Run("joins the conversation of the in-flight envelope", func(t *testing.T) {
		origin := NewEnvelope(context.Background(), orderCreated{ID: 1})
		ctx := WithEnvelope(context.Background(), origin)

		env := NewEnvelope(ctx, orderCreated{ID: 2})

		assert.Equal(t, origin.CorrelationID, env.CorrelationID)
		assert.Equal(t, origin.ID, env.ConversationID)
		assert.NotEqual(t, origin.ID, env.ID)
	})

	t.Run("uses message correlation when no context is present", func(t *testing.T) {
		msg := &typedMessage{BaseMessage: NewBaseMessage("OrderPlaced")}
		msg.SetCorrelationID("from-message")

		env := NewEnvelope(context.Background(), msg)

		assert.Equal(t, "from-message", env.CorrelationID)
		assert.Equal(t, "OrderPlaced", env.MessageType)
	})

	t.Run("generates distinct correlation for unrelated contexts", func(t *testing.T) {
		a := NewEnvelope(context.Background(), orderCreated{})
		b := NewEnvelope(context.Background(), orderCreated{})

		assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestEnvelopeTransition(t *testing.T) {
	t.Run("moves through non-terminal statuses", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{})

		require.NoError(t, env.Transition(StatusScheduled))
		require.NoError(t, env.Transition(StatusSent))
		assert.Equal(t, StatusSent, env.Status)
	})

	t.Run("never rewrites a terminal status", func(t *testing.T) {
		for _, terminal := range []EnvelopeStatus{StatusSent, StatusHandled, StatusFailed} {
			env := NewEnvelope(context.Background(), orderCreated{})
			require.NoError(t, env.Transition(terminal))

			err := env.Transition(StatusScheduled)

			assert.ErrorIs(t, err, ErrTerminalStatus)
			assert.Equal(t, terminal, env.Status)
		}
	})
}

func TestEnvelopeScheduling(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	t.Run("derives absolute time from delay at dispatch", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{})
		env.ScheduleDelay = 5 * time.Minute

		assert.True(t, env.ScheduledTime.IsZero())
		at := env.ResolveScheduledTime(now)

		assert.Equal(t, now.Add(5*time.Minute), at)
		assert.Equal(t, at, env.ScheduledTime)
	})

	t.Run("keeps explicit time", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{})
		env.ScheduledTime = now.Add(time.Hour)
		env.ScheduleDelay = time.Minute

		assert.Equal(t, now.Add(time.Hour), env.ResolveScheduledTime(now))
	})

	t.Run("reports scheduled for later", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{})
		assert.False(t, env.IsScheduledForLater(now))

		env.ScheduledTime = now.Add(time.Second)
		assert.True(t, env.IsScheduledForLater(now))
		assert.False(t, env.IsScheduledForLater(now.Add(time.Minute)))
	})

	t.Run("reports expiry", func(t *testing.T) {
		env := NewEnvelope(context.Background(), orderCreated{})
		assert.False(t, env.IsExpired(now))

		env.DeliverBy = now.Add(-time.Second)
		assert.True(t, env.IsExpired(now))
	})
}

func TestEnvelopeCopy(t *testing.T) {
	env := NewEnvelope(context.Background(), orderCreated{ID: 7})
	env.SetHeader("tenant", "a")

	clone := env.Copy()
	clone.SetHeader("tenant", "b")

	assert.NotEqual(t, env.ID, clone.ID)
	assert.Equal(t, env.CorrelationID, clone.CorrelationID)
	assert.Equal(t, env.Message, clone.Message)
	assert.Equal(t, "a", env.Headers["tenant"])
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "orderCreated", TypeName(orderCreated{}))
	assert.Equal(t, "orderCreated", TypeName(&orderCreated{}))
	assert.Equal(t, "Custom", TypeName(&typedMessage{BaseMessage: NewBaseMessage("Custom")}))
	assert.Equal(t, "", TypeName(nil))
	assert.Equal(t, "map[string]int", TypeName(map[string]int{}))
}
