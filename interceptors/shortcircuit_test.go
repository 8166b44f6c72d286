package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestShortCircuitError(t *testing.T) {
	t.Run("wraps ErrShortCircuit", func(t *testing.T) {
		err := &ShortCircuitError{Reason: "duplicate message"}

		assert.Equal(t, "interceptor chain short-circuited: duplicate message", err.Error())
		assert.True(t, IsShortCircuit(err))
		assert.True(t, IsShortCircuit(ErrShortCircuit))
		assert.False(t, IsShortCircuit(errors.New("regular error")))
		assert.False(t, IsShortCircuit(nil))
	})
}

func TestDuplicateDetectionInterceptor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("handles an envelope once", func(t *testing.T) {
		handler := &mockHandler{}
		env := newEnvelope("x")
		handler.On("Handle", mock.Anything, env).Return(nil).Once()
		interceptor := NewDuplicateDetectionInterceptor(NewMemoryDuplicateDetector(time.Minute, clock), nil)

		require.NoError(t, interceptor.Intercept(context.Background(), env, handler))
		err := interceptor.Intercept(context.Background(), env, handler)

		var sc *ShortCircuitError
		require.ErrorAs(t, err, &sc)
		assert.Equal(t, env.ID, sc.MessageID)
		handler.AssertNumberOfCalls(t, "Handle", 1)
	})

	t.Run("failed handlers release the claim", func(t *testing.T) {
		handler := &mockHandler{}
		env := newEnvelope("x")
		boom := errors.New("boom")
		handler.On("Handle", mock.Anything, env).Return(boom).Once()
		handler.On("Handle", mock.Anything, env).Return(nil).Once()
		interceptor := NewDuplicateDetectionInterceptor(NewMemoryDuplicateDetector(time.Minute, clock), nil)

		assert.ErrorIs(t, interceptor.Intercept(context.Background(), env, handler), boom)
		assert.NoError(t, interceptor.Intercept(context.Background(), env, handler))
		handler.AssertExpectations(t)
	})

	t.Run("detector errors stop the chain", func(t *testing.T) {
		handler := &mockHandler{}
		interceptor := NewDuplicateDetectionInterceptor(NewRedisDuplicateDetector(&stubClaimer{err: errors.New("down")}, "dedup:", time.Minute), nil)

		err := interceptor.Intercept(context.Background(), newEnvelope("x"), handler)

		assert.ErrorContains(t, err, "redis claim")
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestMemoryDuplicateDetector(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	detector := NewMemoryDuplicateDetector(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	ok, err := detector.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = detector.Claim(ctx, "a")
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = detector.Claim(ctx, "a")
	assert.True(t, ok, "claims expire after the window")

	require.NoError(t, detector.Release(ctx, "a"))
	ok, _ = detector.Claim(ctx, "a")
	assert.True(t, ok)
}

type stubClaimer struct {
	claimed map[string]bool
	err     error
	window  time.Duration
}

func (s *stubClaimer) SetNX(ctx context.Context, key string, _ any, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if s.err != nil {
		cmd.SetErr(s.err)
		return cmd
	}
	s.window = expiration
	if s.claimed[key] {
		cmd.SetVal(false)
		return cmd
	}
	s.claimed[key] = true
	cmd.SetVal(true)
	return cmd
}

func (s *stubClaimer) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	for _, k := range keys {
		delete(s.claimed, k)
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func TestRedisDuplicateDetector(t *testing.T) {
	claimer := &stubClaimer{claimed: map[string]bool{}}
	detector := NewRedisDuplicateDetector(claimer, "dedup:", 10*time.Minute)
	ctx := context.Background()

	ok, err := detector.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, claimer.claimed["dedup:a"])
	assert.Equal(t, 10*time.Minute, claimer.window)

	ok, err = detector.Claim(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, detector.Release(ctx, "a"))
	assert.Empty(t, claimer.claimed)
}
