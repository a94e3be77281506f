package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/log"
	"finledger/internal/storage"
)

const defaultAttempts = 3

const noteColocatedRace = "co-located writes kept conflicting; retry"

// BaseLoader returns the state an entity had at version, if still known.
type BaseLoader[T any] func(ctx context.Context, current T, version int64) (T, bool, error)

// StageFunc adds co-located writes (budget updates, alerts, audit) to the
// batch that will commit next. It must not commit.
type StageFunc[T any, P any] func(ctx context.Context, b docstore.Batch, prev, next T, patch P) error

// Mutation is one optimistic read-modify-write request.
type Mutation[T any, P Patch[P, T]] struct {
	ID              string
	ExpectedVersion int64
	Actor           string
	Mutator         func(T) (T, error)
	// Authorize runs on every freshly loaded state before anything else is
	// checked, so a refused actor learns nothing about versions or locks.
	Authorize func(T) error
	// Resolver builds the merge suggestion when ExpectedVersion is stale.
	// Defaults to FieldMerge.
	Resolver Resolver[T, P]
	Stage    StageFunc[T, P]
}

type Result[T any, P any] struct {
	Previous T
	Entity   T
	Patch    P
	// Unchanged is set when the mutator produced no field changes; nothing
	// was written and the version was not bumped.
	Unchanged bool
}

type Options struct {
	Now         func() time.Time
	MaxAttempts int
	Logger      *log.Logger
}

// Manager serializes writers of one entity kind through the store's atomic
// batch. The version precondition on the entity write is the correctness
// mechanism; soft locks are advisory.
type Manager[T any, P Patch[P, T]] struct {
	store    docstore.Store
	kind     Kind[T, P]
	bases    BaseLoader[T]
	now      func() time.Time
	attempts int
	logger   *log.Logger
}

func NewManager[T any, P Patch[P, T]](store docstore.Store, kind Kind[T, P], bases BaseLoader[T], opts Options) *Manager[T, P] {
	m := &Manager[T, P]{
		store:    store,
		kind:     kind,
		bases:    bases,
		now:      opts.Now,
		attempts: opts.MaxAttempts,
		logger:   opts.Logger,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.attempts <= 0 {
		m.attempts = defaultAttempts
	}
	if m.logger == nil {
		m.logger = log.New(log.DefaultConfig())
	}
	m.logger = m.logger.WithComponent(log.ComponentLocking)
	return m
}

func (m *Manager[T, P]) Kind() Kind[T, P] { return m.kind }

// Load reads the current state of id.
func (m *Manager[T, P]) Load(ctx context.Context, id string) (T, error) {
	var zero T
	d, err := m.store.Get(ctx, m.kind.Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return zero, &core.NotFoundError{Entity: m.kind.Name, ID: id}
	}
	if err != nil {
		return zero, fmt.Errorf("load %s %s: %w", m.kind.Name, id, err)
	}
	return m.kind.Decode(d)
}

// Create writes entity at version 1. It fails with ConflictError when the
// id is already taken. stage runs again on every attempt, so co-located
// writes are rebuilt from fresh state after a race.
func (m *Manager[T, P]) Create(ctx context.Context, entity T, actor string, stage func(ctx context.Context, b docstore.Batch, next T) error) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		next := m.kind.Stamp(entity, 1, actor, m.now().UTC())
		id := m.kind.ID(next)

		b := m.store.Batch()
		b.Set(m.kind.Collection, id, m.kind.Encode(next), docstore.IfAbsent())
		if stage != nil {
			if err := stage(ctx, b, next); err != nil {
				return zero, err
			}
		}
		err := b.Commit(ctx)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, docstore.ErrPreconditionFailed) {
			return zero, fmt.Errorf("create %s %s: %w", m.kind.Name, id, err)
		}

		current, loadErr := m.Load(ctx, id)
		if loadErr == nil {
			return zero, &core.ConflictError{
				Entity:         m.kind.Name,
				EntityID:       id,
				CurrentVersion: m.kind.Version(current),
				Note:           "entity already exists",
			}
		}
		if !errors.Is(loadErr, core.ErrNotFound) {
			return zero, fmt.Errorf("create %s %s: %w", m.kind.Name, id, loadErr)
		}
		if attempt >= m.attempts {
			m.logger.WarnContext(ctx, "Giving up after repeated precondition failures",
				"entity", m.kind.Name, "id", id, "attempts", attempt, log.FieldError, err)
			return zero, &core.ConflictError{
				Entity:   m.kind.Name,
				EntityID: id,
				Note:     noteColocatedRace,
			}
		}
		m.logger.DebugContext(ctx, "Create raced co-located writes, retrying",
			"entity", m.kind.Name, "id", id, "attempt", attempt)
	}
}

// Mutate applies mut. A stale ExpectedVersion always yields *core.ConflictError
// carrying the resolver's suggestion; nothing is written in that case.
func (m *Manager[T, P]) Mutate(ctx context.Context, mut Mutation[T, P]) (Result[T, P], error) {
	var res Result[T, P]
	if mut.Mutator == nil {
		return res, fmt.Errorf("mutate %s %s: nil mutator", m.kind.Name, mut.ID)
	}
	if mut.Resolver == nil {
		mut.Resolver = FieldMerge[T, P]
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		current, err := m.Load(ctx, mut.ID)
		if err != nil {
			return res, err
		}
		if mut.Authorize != nil {
			if err := mut.Authorize(current); err != nil {
				return res, err
			}
		}

		now := m.now().UTC()
		lock := m.kind.Lock(current)
		if lock.BlocksActor(mut.Actor, now) {
			return res, &core.LockHeldError{EntityID: mut.ID, Holder: lock.Holder, Expiry: lock.Expiry}
		}

		version := m.kind.Version(current)
		if version != mut.ExpectedVersion {
			return res, m.conflict(ctx, mut, current)
		}

		next, err := mut.Mutator(current)
		if err != nil {
			return res, err
		}
		patch := m.kind.Diff(current, next)
		if patch.IsEmpty() {
			return Result[T, P]{Previous: current, Entity: current, Patch: patch, Unchanged: true}, nil
		}

		if !lock.Active(now) && lock.Holder != "" {
			// Expired locks are reclaimed silently.
			next = m.kind.WithLock(next, core.SoftLock{})
		}
		next = m.kind.Stamp(next, version+1, mut.Actor, now)

		b := m.store.Batch()
		b.Set(m.kind.Collection, mut.ID, m.kind.Encode(next),
			docstore.IfVersion(version),
			docstore.IfFieldEquals(storage.KeyLockedBy, holderValue(lock)))
		if mut.Stage != nil {
			if err := mut.Stage(ctx, b, current, next, patch); err != nil {
				return res, err
			}
		}

		err = b.Commit(ctx)
		if err == nil {
			m.logger.DebugContext(ctx, "Mutation committed",
				"entity", m.kind.Name, "id", mut.ID, log.FieldVersion, version+1, log.FieldActorID, mut.Actor)
			return Result[T, P]{Previous: current, Entity: next, Patch: patch}, nil
		}
		if !errors.Is(err, docstore.ErrPreconditionFailed) {
			return res, fmt.Errorf("commit %s %s: %w", m.kind.Name, mut.ID, err)
		}
		if attempt >= m.attempts {
			m.logger.WarnContext(ctx, "Giving up after repeated precondition failures",
				"entity", m.kind.Name, "id", mut.ID, "attempts", attempt, log.FieldError, err)
			return res, &core.ConflictError{
				Entity:          m.kind.Name,
				EntityID:        mut.ID,
				ExpectedVersion: mut.ExpectedVersion,
				CurrentVersion:  version,
				Note:            noteColocatedRace,
			}
		}
		// Another writer raced us. Re-reading either surfaces a version or
		// lock change, or retries because only co-located state moved.
		m.logger.DebugContext(ctx, "Batch precondition failed, re-reading",
			"entity", m.kind.Name, "id", mut.ID, "attempt", attempt)
	}
}

func (m *Manager[T, P]) conflict(ctx context.Context, mut Mutation[T, P], current T) error {
	cerr := &core.ConflictError{
		Entity:          m.kind.Name,
		EntityID:        mut.ID,
		ExpectedVersion: mut.ExpectedVersion,
		CurrentVersion:  m.kind.Version(current),
	}

	var (
		incoming   P
		concurrent *P
	)
	base, ok := m.loadBase(ctx, current, mut.ExpectedVersion)
	if ok {
		desired, err := mut.Mutator(base)
		if err != nil {
			return err
		}
		incoming = m.kind.Diff(base, desired)
		c := m.kind.Diff(base, current)
		concurrent = &c
	} else {
		desired, err := mut.Mutator(current)
		if err != nil {
			return err
		}
		incoming = m.kind.Diff(current, desired)
	}

	resolution := mut.Resolver(current, incoming, concurrent)
	cerr.Fields = resolution.Unresolved
	cerr.Note = resolution.Note
	if resolution.Merged != nil {
		cerr.Suggestion = *resolution.Merged
	}
	return cerr
}

func (m *Manager[T, P]) loadBase(ctx context.Context, current T, version int64) (T, bool) {
	var zero T
	if m.bases == nil || version <= 0 || version > m.kind.Version(current) {
		return zero, false
	}
	base, ok, err := m.bases(ctx, current, version)
	if err != nil {
		m.logger.WarnContext(ctx, "Could not load merge base", "entity", m.kind.Name, log.FieldVersion, version, log.FieldError, err)
		return zero, false
	}
	return base, ok
}

func holderValue(l core.SoftLock) any {
	if l.Holder == "" {
		return nil
	}
	return l.Holder
}
