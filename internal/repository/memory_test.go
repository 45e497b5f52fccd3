package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSerializesEntity(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "A")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, l.held())
}

func TestMemoryLockerIndependentEntities(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "A")
	require.NoError(t, err)
	releaseB, err := l.Acquire(ctx, "B")
	require.NoError(t, err)

	releaseA()
	releaseA()
	releaseB()
	assert.Equal(t, 0, l.held())
}

func TestMemoryLockerTimeout(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(context.Background(), "A")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "A")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
