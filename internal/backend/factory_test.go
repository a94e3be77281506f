package backend

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"finledger/internal/config"
	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/services"
	"finledger/internal/storage"
)

func seed(t *testing.T, store docstore.Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Put(ctx, storage.Budgets, "b1", storage.BudgetFields(core.Budget{
		ID: "b1", OwnerID: "u1", Name: "March", Version: 1,
		PeriodStart: core.NewDate(2024, 3, 1), PeriodEnd: core.NewDate(2024, 3, 31),
	})); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, storage.BudgetCategories, "dining", storage.CategoryFields(core.BudgetCategory{
		ID: "dining", BudgetID: "b1", OwnerID: "u1", Name: "Dining", CategoryIDs: []string{"restaurants"},
		Allocated: core.NewMoney(20000), Version: 1,
	})); err != nil {
		t.Fatal(err)
	}
}

func createDinner(t *testing.T, b *Backend) {
	t.Helper()
	_, err := b.Service.CreateTransaction(context.Background(), "u1", services.CreateRequest{
		ID: "t1", Type: core.Expense, Amount: core.NewMoney(4550),
		CategoryID: "restaurants", Date: core.NewDate(2024, 3, 10), Description: "Dinner",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestCreateBackend_Memory(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	b, err := NewFactory(nil).CreateBackend(context.Background(), Config{
		Type:       MemoryBackend,
		Strategies: map[string]string{"create": "delta"},
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer b.Close()

	if b.AMQP != nil {
		t.Error("no broker configured, client must be nil")
	}
	checks := b.ReadyChecks()
	if len(checks) != 1 || checks["store"] == nil {
		t.Fatalf("unexpected checks %v", checks)
	}
	if err := checks["store"](context.Background()); err != nil {
		t.Errorf("store check: %v", err)
	}

	seed(t, b.Store)
	createDinner(t, b)

	c, err := b.Service.GetCategory(context.Background(), "dining")
	if err != nil {
		t.Fatal(err)
	}
	if c.Spent.String() != "45.50" {
		t.Errorf("spent = %s, want 45.50", c.Spent)
	}
}

func TestCreateBackend_SQLitePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "finledger.db")
	cfg := Config{Type: SQLiteBackend, SQLiteDBPath: path}

	b, err := NewFactory(nil).CreateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	seed(t, b.Store)
	createDinner(t, b)
	if err := b.ReadyChecks()["store"](context.Background()); err != nil {
		t.Errorf("store check: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFactory(nil).CreateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	tx, err := reopened.Service.GetTransaction(context.Background(), "t1")
	if err != nil {
		t.Fatalf("transaction lost across reopen: %v", err)
	}
	if tx.Amount.String() != "45.50" || tx.Version != 1 {
		t.Errorf("unexpected transaction %+v", tx)
	}
}

func TestCreateBackend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{"invalid type", Config{Type: "sheets"}, "invalid backend type"},
		{"sqlite without path", Config{Type: SQLiteBackend}, "SQLite database path is required"},
		{"amqp without queue", Config{Type: MemoryBackend, AMQPURL: "amqp://localhost", AMQPExchange: "x"}, "AMQP exchange and queue"},
		{"unknown strategy", Config{Type: MemoryBackend, Strategies: map[string]string{"update": "lazy"}}, "unknown recompute strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(nil).CreateBackend(context.Background(), tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	app := &config.Config{
		DataBackend:               "sqlite",
		SQLiteDBPath:              "/tmp/x.db",
		AMQPURL:                   "amqp://localhost",
		AMQPExchange:              "finledger",
		AMQPQueue:                 "recalc",
		AMQPAlertQueue:            "alerts",
		LockTTL:                   time.Minute,
		AlertWarningPercent:       75,
		LargeTransactionThreshold: core.NewMoney(500000),
		SuspiciousAmountThreshold: core.NewMoney(100000),
		RecomputeCreate:           "delta",
		RecomputeUpdate:           "full",
		RecomputeDelete:           "full",
	}
	cfg, err := FromAppConfig(app)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Type != SQLiteBackend || cfg.AMQPAlertQueue != "alerts" || cfg.WarningPercent != 75 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Strategies["create"] != "delta" || cfg.Strategies["restore"] != "delta" {
		t.Errorf("strategies = %v", cfg.Strategies)
	}

	if _, err := FromAppConfig(&config.Config{DataBackend: "sheets"}); err == nil {
		t.Error("expected error for unsupported backend")
	}
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}
