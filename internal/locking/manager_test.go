package locking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/docstore/memory"
	"finledger/internal/storage"
)

type fixture struct {
	store *memory.Store
	repo  *storage.Repository
	mgr   *Manager[core.Transaction, core.TransactionPatch]
	now   time.Time
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.repo = storage.NewRepository(f.store)
	kind := TransactionKind()
	f.mgr = NewManager(f.store, kind,
		HistoryBases(f.repo, kind, func(t core.Transaction) string { return t.OwnerID }),
		Options{Now: func() time.Time { return f.now }})
	return f
}

// audit stages an entry carrying the full new state, like the services layer does.
func (f *fixture) audit(_ context.Context, b docstore.Batch, next core.Transaction) {
	f.seq++
	id := fmt.Sprintf("audit-%03d", f.seq)
	b.Set(storage.AuditEntries, id, storage.AuditFields(core.AuditEntry{
		ID: id, OwnerID: next.OwnerID, Timestamp: f.now.Add(time.Duration(f.seq) * time.Second),
		ActorID: next.LastModifiedBy, Action: core.ActionUpdate, EntityType: "transaction", EntityID: next.ID,
		NewState: storage.TransactionFields(next),
	}))
}

func (f *fixture) create(t *testing.T) core.Transaction {
	t.Helper()
	tx := core.Transaction{
		ID: "t1", OwnerID: "u1", Type: core.Expense, Amount: core.NewMoney(1000), Currency: "EUR",
		CategoryID: "food", Date: core.NewDate(2024, 3, 1), Description: "Lunch",
	}
	created, err := f.mgr.Create(context.Background(), tx, "alice", func(ctx context.Context, b docstore.Batch, next core.Transaction) error {
		f.audit(ctx, b, next)
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created
}

func setDescription(s string) func(core.Transaction) (core.Transaction, error) {
	return func(t core.Transaction) (core.Transaction, error) {
		t.Description = s
		return t, nil
	}
}

func setAmount(cents int64) func(core.Transaction) (core.Transaction, error) {
	return func(t core.Transaction) (core.Transaction, error) {
		t.Amount = core.NewMoney(cents)
		return t, nil
	}
}

func (f *fixture) stage() StageFunc[core.Transaction, core.TransactionPatch] {
	return func(ctx context.Context, b docstore.Batch, _, next core.Transaction, _ core.TransactionPatch) error {
		f.audit(ctx, b, next)
		return nil
	}
}

func TestCreateStartsAtVersionOne(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	if created.Version != 1 || created.CreatedBy != "alice" || !created.CreatedAt.Equal(f.now) {
		t.Fatalf("unexpected created state %+v", created)
	}

	_, err := f.mgr.Create(context.Background(), created, "bob", nil)
	var cerr *core.ConflictError
	if !errors.As(err, &cerr) || cerr.CurrentVersion != 1 {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}

func TestMutateIncrementsVersionByOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	for want := int64(2); want <= 4; want++ {
		res, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
			ID: "t1", ExpectedVersion: want - 1, Actor: "alice",
			Mutator: setDescription(fmt.Sprintf("Lunch %d", want)),
			Stage:   f.stage(),
		})
		if err != nil {
			t.Fatalf("mutate to v%d: %v", want, err)
		}
		if res.Entity.Version != want || res.Previous.Version != want-1 {
			t.Fatalf("expected version %d, got %d (prev %d)", want, res.Entity.Version, res.Previous.Version)
		}
	}
	stored, _ := f.mgr.Load(ctx, "t1")
	if stored.Version != 4 || stored.Description != "Lunch 4" {
		t.Fatalf("unexpected stored state %+v", stored)
	}
}

func TestMutateNoChangeDoesNotBumpVersion(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	res, err := f.mgr.Mutate(context.Background(), Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 1, Actor: "alice", Mutator: setDescription("Lunch"),
	})
	if err != nil || !res.Unchanged || res.Entity.Version != 1 {
		t.Fatalf("expected unchanged result, got %+v, %v", res, err)
	}
}

func TestStaleVersionAlwaysConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	if _, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 1, Actor: "alice", Mutator: setDescription("Team lunch"), Stage: f.stage(),
	}); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	t.Run("disjoint fields get a merge suggestion", func(t *testing.T) {
		_, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
			ID: "t1", ExpectedVersion: 1, Actor: "bob", Mutator: setAmount(1500),
		})
		var cerr *core.ConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if cerr.CurrentVersion != 2 || len(cerr.Fields) != 0 {
			t.Fatalf("unexpected conflict %+v", cerr)
		}
		merged, ok := cerr.Suggestion.(core.Transaction)
		if !ok || merged.Description != "Team lunch" || merged.Amount.String() != "15.00" {
			t.Fatalf("unexpected suggestion %+v", cerr.Suggestion)
		}
	})

	t.Run("overlapping field is unresolved", func(t *testing.T) {
		_, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
			ID: "t1", ExpectedVersion: 1, Actor: "bob", Mutator: setDescription("Dinner"),
		})
		var cerr *core.ConflictError
		if !errors.As(err, &cerr) || len(cerr.Fields) != 1 || cerr.Fields[0] != core.FieldDescription {
			t.Fatalf("expected description conflict, got %v", err)
		}
		if cerr.Suggestion != nil {
			t.Fatalf("field merge must not suggest on overlap, got %+v", cerr.Suggestion)
		}
	})

	t.Run("last writer wins fallback notes the overwrite", func(t *testing.T) {
		_, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
			ID: "t1", ExpectedVersion: 1, Actor: "bob", Mutator: setDescription("Dinner"),
			Resolver: FieldMergeOrLastWriterWins[core.Transaction, core.TransactionPatch],
		})
		var cerr *core.ConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		merged, ok := cerr.Suggestion.(core.Transaction)
		if !ok || merged.Description != "Dinner" || cerr.Note == "" {
			t.Fatalf("unexpected LWW suggestion %+v (%s)", cerr.Suggestion, cerr.Note)
		}
	})

	t.Run("reject offers nothing", func(t *testing.T) {
		_, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
			ID: "t1", ExpectedVersion: 1, Actor: "bob", Mutator: setAmount(1500),
			Resolver: Reject[core.Transaction, core.TransactionPatch],
		})
		var cerr *core.ConflictError
		if !errors.As(err, &cerr) || cerr.Suggestion != nil {
			t.Fatalf("expected bare conflict, got %v", err)
		}
	})

	stored, _ := f.mgr.Load(ctx, "t1")
	if stored.Version != 2 || stored.Amount.String() != "10.00" {
		t.Fatalf("stale writers must never be committed, got %+v", stored)
	}
}

func TestSoftLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	lock, err := f.mgr.Acquire(ctx, "t1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stored, _ := f.mgr.Load(ctx, "t1")
	if stored.Version != 1 || stored.Lock.Holder != "alice" {
		t.Fatalf("acquire must not bump version: %+v", stored)
	}

	if _, err := f.mgr.Acquire(ctx, "t1", "bob", time.Minute); !errors.Is(err, core.ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}
	_, err = f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 1, Actor: "bob", Mutator: setAmount(1),
	})
	var lerr *core.LockHeldError
	if !errors.As(err, &lerr) || lerr.Holder != "alice" || !lerr.Expiry.Equal(lock.Expiry) {
		t.Fatalf("expected LockHeldError for bob, got %v", err)
	}

	if _, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 1, Actor: "alice", Mutator: setAmount(1),
	}); err != nil {
		t.Fatalf("holder must be able to edit: %v", err)
	}

	// After expiry anyone may edit and the stale lock is cleared.
	f.now = f.now.Add(2 * time.Minute)
	if _, err := f.mgr.Check(ctx, "t1", "bob"); err != nil {
		t.Fatalf("expired lock must not block: %v", err)
	}
	res, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 2, Actor: "bob", Mutator: setAmount(2),
	})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if res.Entity.Lock.Holder != "" {
		t.Fatalf("expected expired lock cleared, got %+v", res.Entity.Lock)
	}

	if _, err := f.mgr.Acquire(ctx, "t1", "bob", time.Minute); err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if err := f.mgr.Release(ctx, "t1", "alice"); !errors.Is(err, core.ErrLockHeld) {
		t.Fatalf("non-holder release must fail, got %v", err)
	}
	if err := f.mgr.Release(ctx, "t1", "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l, err := f.mgr.Check(ctx, "t1", "alice"); err != nil || l.Holder != "" {
		t.Fatalf("expected lock released, got %+v %v", l, err)
	}
}

func TestMutateRetriesWhenOnlyColocatedStateMoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	if err := f.store.Put(ctx, "side", "s1", docstore.Fields{"n": int64(1)}); err != nil {
		t.Fatal(err)
	}

	calls := 0
	res, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
		ID: "t1", ExpectedVersion: 1, Actor: "alice", Mutator: setAmount(1234),
		Stage: func(_ context.Context, b docstore.Batch, _, _ core.Transaction, _ core.TransactionPatch) error {
			calls++
			// The first attempt sees a stale co-located version.
			b.Update("side", "s1", docstore.Fields{"n": int64(calls + 1)}, docstore.IfFieldEquals("n", int64(calls-1)))
			return nil
		},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if calls != 2 || res.Entity.Version != 2 {
		t.Fatalf("expected one retry, got calls=%d version=%d", calls, res.Entity.Version)
	}
}

func TestMutateNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Mutate(context.Background(), Mutation[core.Transaction, core.TransactionPatch]{
		ID: "nope", ExpectedVersion: 1, Actor: "alice", Mutator: setAmount(1),
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateGivesUpWithConflictWhenColocatedWritesKeepRacing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.Put(ctx, "side", "s1", docstore.Fields{"n": int64(1)}); err != nil {
		t.Fatal(err)
	}

	calls := 0
	tx := core.Transaction{
		ID: "t1", OwnerID: "u1", Type: core.Expense, Amount: core.NewMoney(1000), Currency: "EUR",
		CategoryID: "food", Date: core.NewDate(2024, 3, 1), Description: "Lunch",
	}
	_, err := f.mgr.Create(ctx, tx, "alice", func(_ context.Context, b docstore.Batch, _ core.Transaction) error {
		calls++
		b.Update("side", "s1", docstore.Fields{"n": int64(2)}, docstore.IfFieldEquals("n", int64(99)))
		return nil
	})

	var cerr *core.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *core.ConflictError, got %v", err)
	}
	if cerr.EntityID != "t1" || cerr.Note == "" {
		t.Errorf("unexpected conflict %+v", cerr)
	}
	if calls != defaultAttempts {
		t.Errorf("stage ran %d times, want %d", calls, defaultAttempts)
	}
	if _, err := f.mgr.Load(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("nothing may be written, load err = %v", err)
	}
}

func TestMutateAuthorizeRunsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	if _, err := f.mgr.Acquire(ctx, "t1", "bob", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	onlyOwner := func(cur core.Transaction) error {
		if cur.OwnerID == "mallory" {
			return nil
		}
		return &core.NotFoundError{Entity: "transaction", ID: cur.ID}
	}
	tests := []struct {
		name    string
		version int64
	}{
		{name: "current version", version: 1},
		{name: "stale version", version: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Mutate(ctx, Mutation[core.Transaction, core.TransactionPatch]{
				ID: "t1", ExpectedVersion: tt.version, Actor: "mallory", Mutator: setAmount(1),
				Authorize: onlyOwner,
			})
			if !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}

	cur, err := f.mgr.Load(ctx, "t1")
	if err != nil || cur.Version != 1 || !cur.Amount.Equal(core.NewMoney(1000)) {
		t.Fatalf("entity changed: %+v %v", cur, err)
	}
}
