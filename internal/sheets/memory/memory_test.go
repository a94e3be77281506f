package memory

import (
	"context"
	"testing"

	"finledger/internal/core"
)

func TestMemoryStoreAppend(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref, err := s.AppendAuditEntries(ctx, []core.AuditEntry{
		{ID: "a1", ActorID: "alice", Action: core.ActionCreate, EntityID: "tx-1"},
		{ID: "a2", ActorID: "bob", Action: core.ActionDelete, EntityID: "tx-1"},
	})
	if err != nil || ref != "mem:1:2" {
		t.Fatalf("unexpected append: ref=%q err=%v", ref, err)
	}

	ref, err = s.AppendAuditEntries(ctx, []core.AuditEntry{{ID: "a3", Action: core.ActionRestore}})
	if err != nil || ref != "mem:3:3" {
		t.Fatalf("unexpected second append: ref=%q err=%v", ref, err)
	}

	rows := s.Rows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][1] != "bob" || rows[1][2] != "DELETE" {
		t.Errorf("unexpected row: %v", rows[1])
	}

	rows[0][1] = "mallory"
	if s.Rows()[0][1] != "alice" {
		t.Error("Rows must return a copy")
	}
}

func TestMemoryStoreEmptyBatch(t *testing.T) {
	s := New()
	ref, err := s.AppendAuditEntries(context.Background(), nil)
	if err != nil || ref != "" {
		t.Fatalf("unexpected: ref=%q err=%v", ref, err)
	}
	if len(s.Rows()) != 0 {
		t.Fatal("empty batch must not write rows")
	}
}
