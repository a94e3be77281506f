package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"finledger/internal/docstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	in := docstore.Fields{
		"ownerId":     "u1",
		"amount":      "12.50",
		"version":     int64(3),
		"deleted":     false,
		"categoryIds": []string{"food", "dining"},
		"lock":        docstore.Fields{"lockedBy": "alice"},
	}
	if err := s.Put(ctx, "transactions", "t1", in); err != nil {
		t.Fatalf("put: %v", err)
	}

	d, err := s.Get(ctx, "transactions", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Fields.Int64("version") != 3 {
		t.Fatalf("version lost precision: %v", d.Fields["version"])
	}
	if got := d.Fields.Strings("categoryIds"); len(got) != 2 || got[1] != "dining" {
		t.Fatalf("unexpected list %v", got)
	}
	if d.Fields.Map("lock").String("lockedBy") != "alice" {
		t.Fatalf("nested object lost: %v", d.Fields["lock"])
	}
	if d.UpdateTime.IsZero() {
		t.Fatal("expected update time")
	}

	if _, err := s.Get(ctx, "transactions", "nope"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seed := map[string]docstore.Fields{
		"a": {"ownerId": "u1", "date": "2024-03-01T00:00:00.000Z", "amount": 5},
		"b": {"ownerId": "u1", "date": "2024-03-10T00:00:00.000Z", "amount": 50},
		"c": {"ownerId": "u2", "date": "2024-03-05T00:00:00.000Z", "amount": 500},
	}
	for id, f := range seed {
		if err := s.Put(ctx, "tx", id, f); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Query(ctx, docstore.NewQuery("tx").
		Where("ownerId", docstore.OpEqual, "u1").
		Where("amount", docstore.OpGreaterEqual, int64(10)))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("unexpected result %+v", docs)
	}

	docs, err = s.Query(ctx, docstore.NewQuery("tx").Order("date", false))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "a" || docs[1].ID != "c" || docs[2].ID != "b" {
		t.Fatalf("unexpected order %v", ids(docs))
	}
}

func TestSQLiteBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Put(ctx, "tx", "t1", docstore.Fields{"version": int64(1)}); err != nil {
		t.Fatal(err)
	}

	err := s.Batch().
		Set("audit_entries", "e1", docstore.Fields{"action": "UPDATE"}).
		Update("tx", "t1", docstore.Fields{"version": int64(2)}, docstore.IfVersion(2)).
		Commit(ctx)
	if !errors.Is(err, docstore.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if _, err := s.Get(ctx, "audit_entries", "e1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("audit entry must not survive a failed batch, got %v", err)
	}

	err = s.Batch().
		Set("audit_entries", "e1", docstore.Fields{"action": "UPDATE"}).
		Update("tx", "t1", docstore.Fields{"version": int64(2)}, docstore.IfVersion(1)).
		Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	d, _ := s.Get(ctx, "tx", "t1")
	if d.Fields.Int64("version") != 2 {
		t.Fatalf("expected version 2, got %v", d.Fields["version"])
	}
}

func TestSQLiteListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	var seen []int
	unsubscribe := s.Listen(ctx, docstore.NewQuery("budget_alerts"), func(docs []docstore.Document) {
		seen = append(seen, len(docs))
	}, nil)
	defer unsubscribe()

	if err := s.Put(ctx, "budget_alerts", "a1", docstore.Fields{"ownerId": "u1"}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	for i := 0; i < 2; i++ {
		if err := RunMigrations(path); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
