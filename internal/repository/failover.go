package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"pricesync/internal/domain"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// FailoverLocker always holds the in-process lock and layers the shared primary
// lock on top of it for cross-process exclusion. While the primary is failing only
// the local lock is taken, so workers of one process never overlap on an entity.
type FailoverLocker struct {
	primary domain.EntityLocker
	local   domain.EntityLocker
	logger  *zerolog.Logger

	mu        sync.Mutex
	isDown    bool
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverLocker(primary, local domain.EntityLocker, logger *zerolog.Logger) *FailoverLocker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLocker{
		primary: primary,
		local:   local,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *FailoverLocker) usePrimary() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isDown {
		return true
	}
	// Try to recover after 1 minute
	if l.now().Sub(l.lastCheck) > recoverAfter {
		l.lastCheck = l.now()
		return true
	}
	return false
}

func (l *FailoverLocker) setDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if down && !l.isDown {
		l.lastCheck = l.now()
	}
	l.isDown = down
}

func (l *FailoverLocker) Acquire(ctx context.Context, entity string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, entity)
	if err != nil {
		return nil, err
	}
	if !l.usePrimary() {
		return releaseLocal, nil
	}

	releaseShared, err := l.primary.Acquire(ctx, entity)
	switch {
	case err == nil:
		l.setDown(false)
		return func() {
			releaseShared()
			releaseLocal()
		}, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		releaseLocal()
		return nil, err
	default:
		l.logger.Error().Err(err).Str("entity_id", entity).Msg("Primary entity locker failed, holding the local lock only")
		l.setDown(true)
		return releaseLocal, nil
	}
}

// Down reports whether only the local lock is in use.
func (l *FailoverLocker) Down() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDown
}
