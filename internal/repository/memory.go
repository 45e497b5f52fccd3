package repository

import (
	"context"
	"sync"
)

// MemoryLocker serializes work per entity inside one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, entity string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[entity]
	if !ok {
		lk = &memoryLock{ch: make(chan struct{}, 1)}
		l.locks[entity] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(entity, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.unref(entity, lk)
		})
	}, nil
}

func (l *MemoryLocker) unref(entity string, lk *memoryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, entity)
	}
}

// held reports how many entities have waiters or holders.
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
