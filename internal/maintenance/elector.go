package maintenance

import (
	"context"

	"github.com/SirClappington/botq/internal/storage"
)

// AdvisoryElector leads while it holds a Postgres advisory lock. The lock
// lives on one pinned connection, so losing that connection loses
// leadership.
type AdvisoryElector struct {
	store *storage.Store
	id    int64
	lock  *storage.Lock
}

func NewAdvisoryElector(s *storage.Store, lockID int64) *AdvisoryElector {
	return &AdvisoryElector{store: s, id: lockID}
}

func (e *AdvisoryElector) Elect(ctx context.Context) (bool, error) {
	if e.lock != nil {
		if err := e.lock.Alive(ctx); err == nil {
			return true, nil
		}
		_ = e.lock.Release(ctx) //nolint:errcheck // connection already broken
		e.lock = nil
	}
	l, err := e.store.TryLock(ctx, e.id)
	if err != nil {
		return false, err
	}
	e.lock = l
	return l != nil, nil
}

func (e *AdvisoryElector) Resign(ctx context.Context) error {
	if e.lock == nil {
		return nil
	}
	err := e.lock.Release(ctx)
	e.lock = nil
	return err
}
