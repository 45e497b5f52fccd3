package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pricesync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLocker struct {
	err      error
	calls    int
	released int
}

func (m *mockLocker) Acquire(ctx context.Context, entity string) (func(), error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return func() { m.released++ }, nil
}

func newFailover(primary, fallback *mockLocker) *FailoverLocker {
	logger := zerolog.New(io.Discard)
	return NewFailoverLocker(primary, fallback, &logger)
}

func TestFailoverLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary, fallback := &mockLocker{}, &mockLocker{}
		l := newFailover(primary, fallback)

		release, err := l.Acquire(ctx, "A")
		require.NoError(t, err)
		release()
		assert.Equal(t, 1, primary.calls)
		assert.Equal(t, 1, primary.released)
		assert.Equal(t, 1, fallback.calls, "local lock is always held")
		assert.Equal(t, 1, fallback.released)
		assert.False(t, l.Down())
	})

	t.Run("PrimaryFailureFallsBack", func(t *testing.T) {
		primary, fallback := &mockLocker{err: errors.New("connection refused")}, &mockLocker{}
		l := newFailover(primary, fallback)

		_, err := l.Acquire(ctx, "A")
		require.NoError(t, err)
		assert.True(t, l.Down())

		// while down the primary is not consulted
		_, err = l.Acquire(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, 1, primary.calls)
		assert.Equal(t, 2, fallback.calls)
	})

	t.Run("Recovery", func(t *testing.T) {
		primary, fallback := &mockLocker{err: errors.New("down")}, &mockLocker{}
		l := newFailover(primary, fallback)
		now := time.Now()
		l.now = func() time.Time { return now }

		_, err := l.Acquire(ctx, "A")
		require.NoError(t, err)
		require.True(t, l.Down())

		primary.err = nil
		now = now.Add(2 * time.Minute)
		_, err = l.Acquire(ctx, "A")
		require.NoError(t, err)
		assert.False(t, l.Down())
		assert.Equal(t, 2, primary.calls)
	})

	t.Run("ContextErrorIsNotFailover", func(t *testing.T) {
		primary, fallback := &mockLocker{err: context.DeadlineExceeded}, &mockLocker{}
		l := newFailover(primary, fallback)

		_, err := l.Acquire(ctx, "A")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, l.Down())
		assert.Equal(t, 1, fallback.calls)
		assert.Equal(t, 1, fallback.released, "local lock is returned when the shared one times out")
	})
}

func TestFailoverLocker_HolderSurvivesRedisOutage(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	shared := NewRedisLocker(client, "pricesync:lock:", time.Minute)
	shared.retry = 5 * time.Millisecond
	logger := zerolog.New(io.Discard)
	l := NewFailoverLocker(shared, NewMemoryLocker(), &logger)

	release, err := l.Acquire(context.Background(), "X")
	require.NoError(t, err)
	require.True(t, s.Exists("pricesync:lock:X"))

	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "X")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "X is still held by the first worker")

	release()

	again, err := l.Acquire(context.Background(), "X")
	require.NoError(t, err, "the local lock alone serves while redis is down")
	assert.True(t, l.Down())
	again()
}
