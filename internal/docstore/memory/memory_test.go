package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"finledger/internal/docstore"
)

func TestPutGetAndMerge(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "transactions", "t1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Put(ctx, "transactions", "t1", docstore.Fields{"amount": "10.00", "version": int64(1)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "transactions", "t1", docstore.Fields{"description": "Coffee"}, docstore.Merge()); err != nil {
		t.Fatalf("merge put: %v", err)
	}
	d, err := s.Get(ctx, "transactions", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Fields.String("amount") != "10.00" || d.Fields.String("description") != "Coffee" {
		t.Fatalf("merge lost fields: %+v", d.Fields)
	}

	// Returned documents must not alias stored state.
	d.Fields["amount"] = "99.00"
	again, _ := s.Get(ctx, "transactions", "t1")
	if again.Fields.String("amount") != "10.00" {
		t.Fatal("stored document was mutated through a returned copy")
	}
}

func TestQueryOperators(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed := []docstore.Fields{
		{"owner": "u1", "amount": int64(5), "date": "2024-03-01", "tags": []string{"a", "b"}},
		{"owner": "u1", "amount": int64(15), "date": "2024-03-05", "tags": []string{"b"}},
		{"owner": "u2", "amount": int64(25), "date": "2024-03-09", "tags": []string{"c"}},
	}
	for i, f := range seed {
		if err := s.Put(ctx, "tx", string(rune('a'+i)), f); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name string
		q    docstore.Query
		want []string
	}{
		{"eq", docstore.NewQuery("tx").Where("owner", docstore.OpEqual, "u1"), []string{"a", "b"}},
		{"neq", docstore.NewQuery("tx").Where("owner", docstore.OpNotEqual, "u1"), []string{"c"}},
		{"gt numeric across types", docstore.NewQuery("tx").Where("amount", docstore.OpGreater, 10.0), []string{"b", "c"}},
		{"range on dates", docstore.NewQuery("tx").
			Where("date", docstore.OpGreaterEqual, "2024-03-05").
			Where("date", docstore.OpLessEqual, "2024-03-09"), []string{"b", "c"}},
		{"in", docstore.NewQuery("tx").Where("owner", docstore.OpIn, []string{"u2", "u3"}), []string{"c"}},
		{"array-contains", docstore.NewQuery("tx").Where("tags", docstore.OpArrayContains, "b"), []string{"a", "b"}},
		{"order desc limit", docstore.NewQuery("tx").Order("amount", true).WithLimit(2), []string{"c", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs, err := s.Query(ctx, tc.q)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(docs) != len(tc.want) {
				t.Fatalf("expected %v, got %d docs", tc.want, len(docs))
			}
			for i, d := range docs {
				if d.ID != tc.want[i] {
					t.Fatalf("position %d: expected %s, got %s", i, tc.want[i], d.ID)
				}
			}
		})
	}

	if _, err := s.Query(ctx, docstore.NewQuery("tx").Where("owner", "~=", "x")); err == nil {
		t.Fatal("expected unsupported operator error")
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "tx", "t1", docstore.Fields{"version": int64(1)}); err != nil {
		t.Fatal(err)
	}

	err := s.Batch().
		Set("audit", "a1", docstore.Fields{"action": "UPDATE"}).
		Update("tx", "t1", docstore.Fields{"version": int64(2)}, docstore.IfVersion(7)).
		Commit(ctx)
	if !errors.Is(err, docstore.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if s.Len("audit") != 0 {
		t.Fatal("failed batch must not write anything")
	}

	err = s.Batch().
		Set("audit", "a1", docstore.Fields{"action": "UPDATE"}).
		Update("tx", "t1", docstore.Fields{"version": int64(2)}, docstore.IfVersion(1)).
		Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	d, _ := s.Get(ctx, "tx", "t1")
	if d.Fields.Int64("version") != 2 || s.Len("audit") != 1 {
		t.Fatalf("batch not applied: %+v", d.Fields)
	}
}

func TestBatchPreconditions(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Batch().Set("tx", "t1", docstore.Fields{"v": int64(1)}, docstore.IfAbsent()).Commit(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Batch().Set("tx", "t1", docstore.Fields{"v": int64(1)}, docstore.IfAbsent()).Commit(ctx)
	if !errors.Is(err, docstore.ErrPreconditionFailed) {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}
	err = s.Batch().Update("tx", "missing", docstore.Fields{"v": int64(2)}).Commit(ctx)
	if !errors.Is(err, docstore.ErrPreconditionFailed) {
		t.Fatalf("expected update of missing doc to fail, got %v", err)
	}
	if err := s.Batch().Delete("tx", "t1", docstore.IfFieldEquals("v", 1)).Commit(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Len("tx") != 0 {
		t.Fatal("expected document deleted")
	}
}

func TestConcurrentVersionedWritesSerialize(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "tx", "t1", docstore.Fields{"version": int64(1)}); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Batch().Update("tx", "t1", docstore.Fields{"version": int64(2)}, docstore.IfVersion(1)).Commit(ctx)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one writer to win, got %d", wins)
	}
}

func TestListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()

	var mu sync.Mutex
	var sizes []int
	unsubscribe := s.Listen(ctx, docstore.NewQuery("alerts").Where("owner", docstore.OpEqual, "u1"),
		func(docs []docstore.Document) {
			mu.Lock()
			sizes = append(sizes, len(docs))
			mu.Unlock()
		}, func(err error) { t.Errorf("listen error: %v", err) })

	_ = s.Put(ctx, "alerts", "a1", docstore.Fields{"owner": "u1"})
	_ = s.Put(ctx, "other", "x", docstore.Fields{"owner": "u1"})
	_ = s.Put(ctx, "alerts", "a2", docstore.Fields{"owner": "u2"})
	unsubscribe()
	_ = s.Put(ctx, "alerts", "a3", docstore.Fields{"owner": "u1"})

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 1}
	if len(sizes) != len(want) {
		t.Fatalf("expected %v deliveries, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, sizes)
		}
	}
}
