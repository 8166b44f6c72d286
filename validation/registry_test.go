package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customer struct {
	Name string
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("continues for unregistered types", func(t *testing.T) {
		r := NewRegistry(Concurrent)

		res, err := r.Validate(ctx, customer{})

		require.NoError(t, err)
		assert.True(t, res.Continue())
		assert.False(t, r.Has(customer{}))
	})

	t.Run("runs validators registered for the type", func(t *testing.T) {
		r := NewRegistry(Sequential)
		Register[order](r, nil, positiveTotal(), alwaysValid("B"))

		res, err := r.Validate(ctx, order{Total: 0})

		require.NoError(t, err)
		require.False(t, res.Continue())
		assert.Len(t, res.Problem.Failures, 1)
		assert.True(t, r.Has(order{}))
		assert.False(t, r.Has(&order{}))
	})

	t.Run("appends validators across registrations", func(t *testing.T) {
		r := NewRegistry(Sequential)
		Register[order](r, nil, failing("first", Field("a", "x")))
		Register[order](r, nil, failing("second", Field("b", "y")))

		res, err := r.Validate(ctx, order{})

		require.NoError(t, err)
		require.Len(t, res.Problem.Failures, 2)
		assert.Equal(t, "first", res.Problem.Failures[0].Validator)
		assert.Equal(t, "second", res.Problem.Failures[1].Validator)
	})

	t.Run("check returns a rejected error", func(t *testing.T) {
		r := NewRegistry(Concurrent)
		Register[order](r, nil, positiveTotal())

		err := r.Check(ctx, order{})

		require.ErrorIs(t, err, ErrRejected)
		rejected, ok := AsRejected(err)
		require.True(t, ok)
		assert.Equal(t, "validation.order", rejected.MessageType)
		assert.Len(t, rejected.Problem.Failures, 1)

		assert.NoError(t, r.Check(ctx, order{Total: 1}))
	})

	t.Run("policy can be changed after registration", func(t *testing.T) {
		r := NewRegistry(Concurrent)
		r.SetPolicy(Sequential)
		assert.Equal(t, Sequential, r.Policy())
	})
}
