package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/storage"
)

// AdvisoryLock marks an entity as being edited. It is NOT mutual exclusion:
// the store never enforces it and writers that skip the check are only
// stopped by the version precondition. Acquiring or releasing a lock never
// changes the entity version.
type AdvisoryLock interface {
	Acquire(ctx context.Context, id, actor string, ttl time.Duration) (core.SoftLock, error)
	Release(ctx context.Context, id, actor string) error
	// Check returns *core.LockHeldError when another actor holds a live lock.
	Check(ctx context.Context, id, actor string) (core.SoftLock, error)
}

var _ AdvisoryLock = (*Manager[core.Transaction, core.TransactionPatch])(nil)

func (m *Manager[T, P]) Acquire(ctx context.Context, id, actor string, ttl time.Duration) (core.SoftLock, error) {
	if actor == "" {
		return core.SoftLock{}, core.NewValidationError("actor", errors.New("lock holder required"))
	}
	if ttl <= 0 {
		return core.SoftLock{}, core.NewValidationError("ttl", errors.New("lock ttl must be positive"))
	}
	var lock core.SoftLock
	err := m.writeLock(ctx, id, actor, func(now time.Time) core.SoftLock {
		lock = core.SoftLock{Holder: actor, Expiry: now.Add(ttl)}
		return lock
	})
	return lock, err
}

func (m *Manager[T, P]) Release(ctx context.Context, id, actor string) error {
	return m.writeLock(ctx, id, actor, func(time.Time) core.SoftLock { return core.SoftLock{} })
}

func (m *Manager[T, P]) Check(ctx context.Context, id, actor string) (core.SoftLock, error) {
	current, err := m.Load(ctx, id)
	if err != nil {
		return core.SoftLock{}, err
	}
	lock := m.kind.Lock(current)
	if lock.BlocksActor(actor, m.now().UTC()) {
		return lock, &core.LockHeldError{EntityID: id, Holder: lock.Holder, Expiry: lock.Expiry}
	}
	if !lock.Active(m.now().UTC()) {
		return core.SoftLock{}, nil
	}
	return lock, nil
}

// writeLock replaces the lock fields under version and holder preconditions
// so a concurrent edit or acquisition makes this write fail instead of
// clobbering it.
func (m *Manager[T, P]) writeLock(ctx context.Context, id, actor string, next func(now time.Time) core.SoftLock) error {
	for attempt := 1; ; attempt++ {
		current, err := m.Load(ctx, id)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		lock := m.kind.Lock(current)
		if lock.BlocksActor(actor, now) {
			return &core.LockHeldError{EntityID: id, Holder: lock.Holder, Expiry: lock.Expiry}
		}

		err = m.store.Batch().
			Update(m.kind.Collection, id, storage.LockFields(next(now)),
				docstore.IfVersion(m.kind.Version(current)),
				docstore.IfFieldEquals(storage.KeyLockedBy, holderValue(lock))).
			Commit(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrPreconditionFailed) || attempt >= m.attempts {
			return fmt.Errorf("write lock on %s %s: %w", m.kind.Name, id, err)
		}
	}
}
