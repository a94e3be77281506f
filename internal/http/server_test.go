package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finledger/internal/audit"
	"finledger/internal/budget"
	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/docstore/memory"
	"finledger/internal/events"
	"finledger/internal/middleware/ratelimit"
	"finledger/internal/reconcile"
	"finledger/internal/services"
	"finledger/internal/storage"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	store := memory.New()
	repo := storage.NewRepository(store)
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	svc := services.NewTransactionService(repo,
		budget.NewEngine(repo, budget.Config{Now: clock}),
		audit.New(repo, audit.Config{Now: clock}),
		reconcile.NewService(repo, reconcile.Config{Now: clock}),
		events.NewBus(nil), services.Options{Now: clock})

	ctx := context.Background()
	put := func(collection, id string, f docstore.Fields) {
		if err := store.Put(ctx, collection, id, f); err != nil {
			t.Fatalf("seed %s/%s: %v", collection, id, err)
		}
	}
	put(storage.Budgets, "b1", storage.BudgetFields(core.Budget{
		ID: "b1", OwnerID: "u1", Name: "March", Version: 1,
		PeriodStart: core.NewDate(2024, 3, 1), PeriodEnd: core.NewDate(2024, 3, 31),
	}))
	put(storage.BudgetCategories, "dining", storage.CategoryFields(core.BudgetCategory{
		ID: "dining", BudgetID: "b1", OwnerID: "u1", Name: "Dining", CategoryIDs: []string{"restaurants"},
		Allocated: core.NewMoney(20000), Spent: core.NewMoney(0), Version: 1,
	}))

	srv := NewServer(":0", svc, opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func do(t *testing.T, srv *Server, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

type mutationBody struct {
	Transaction struct {
		ID      string     `json:"id"`
		Version int64      `json:"version"`
		Amount  core.Money `json:"amount"`
		Deleted bool       `json:"deleted"`
	} `json:"transaction"`
	Impacts []struct {
		CategoryID string `json:"categoryId"`
	} `json:"impacts"`
	Alerts   []json.RawMessage `json:"alerts"`
	Warnings []string          `json:"warnings"`
}

const createBody = `{"id":"t1","type":"expense","amount":"45.50","categoryId":"restaurants","date":"2024-03-10","description":"Dinner"}`

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, Options{Ready: map[string]ReadyCheck{
		"store": func(context.Context) error { return nil },
	}})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rr.Code, rr.Body.String())
		}
	}

	srv = newTestServer(t, Options{Ready: map[string]ReadyCheck{
		"store": func(context.Context) error { return errors.New("disk full") },
	}})
	rr := do(t, srv, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "disk full") {
		t.Fatalf("expected not ready, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSecurityAndTraceHeaders(t *testing.T) {
	srv := newTestServer(t, Options{})
	rr := do(t, srv, http.MethodGet, "/healthz", "", "")
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id")
	}
}

func TestTransactionLifecycle(t *testing.T) {
	srv := newTestServer(t, Options{})

	rr := do(t, srv, http.MethodPost, "/transactions", "u1", createBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Location") != "/transactions/t1" || rr.Header().Get("ETag") != `"1"` {
		t.Errorf("unexpected headers %v", rr.Header())
	}
	created := decode[mutationBody](t, rr)
	if created.Transaction.Amount.String() != "45.50" || len(created.Impacts) != 1 || created.Impacts[0].CategoryID != "dining" {
		t.Fatalf("unexpected create result %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodPut, "/transactions/t1", "u1",
		`{"expectedVersion":1,"changes":{"amount":"60.00","description":"Team dinner"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rr.Code, rr.Body.String())
	}
	if updated := decode[mutationBody](t, rr); updated.Transaction.Version != 2 || updated.Transaction.Amount.String() != "60.00" {
		t.Fatalf("unexpected update result %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/categories/dining", "u1", "")
	if c := decode[core.BudgetCategory](t, rr); c.Spent.String() != "60.00" || c.Version != 3 {
		t.Fatalf("category after update: %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/transactions/t1", nil)
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set("If-Match", `"2"`)
	del := httptest.NewRecorder()
	srv.Handler.ServeHTTP(del, req)
	if del.Code != http.StatusOK || !decode[mutationBody](t, del).Transaction.Deleted {
		t.Fatalf("delete status=%d body=%s", del.Code, del.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/transactions/t1/restore", "u1", `{"expectedVersion":3}`)
	if rr.Code != http.StatusOK || decode[mutationBody](t, rr).Transaction.Deleted {
		t.Fatalf("restore status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/audit/entities/t1", "u1", "")
	history := decode[struct {
		Entries []core.AuditEntry `json:"entries"`
	}](t, rr)
	if len(history.Entries) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(history.Entries))
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, Options{})
	if rr := do(t, srv, http.MethodPost, "/transactions", "u1", createBody); rr.Code != http.StatusCreated {
		t.Fatalf("seed create: %d %s", rr.Code, rr.Body.String())
	}
	// Move to version 2 so version 1 is stale.
	if rr := do(t, srv, http.MethodPut, "/transactions/t1", "u1",
		`{"expectedVersion":1,"changes":{"description":"Dinner out"}}`); rr.Code != http.StatusOK {
		t.Fatalf("seed update: %d %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name   string
		method string
		target string
		user   string
		body   string
		want   int
		code   string
	}{
		{"missing actor", http.MethodPost, "/transactions", "", createBody, http.StatusUnprocessableEntity, "validation"},
		{"invalid amount", http.MethodPost, "/transactions", "u1",
			`{"type":"expense","amount":"abc","categoryId":"restaurants","date":"2024-03-10","description":"x"}`,
			http.StatusUnprocessableEntity, "validation"},
		{"negative amount", http.MethodPost, "/transactions", "u1",
			`{"type":"expense","amount":"-1","categoryId":"restaurants","date":"2024-03-10","description":"x"}`,
			http.StatusUnprocessableEntity, "validation"},
		{"bad date", http.MethodPost, "/transactions", "u1",
			`{"type":"expense","amount":"1","categoryId":"restaurants","date":"10/03/2024","description":"x"}`,
			http.StatusUnprocessableEntity, "validation"},
		{"unknown field", http.MethodPost, "/transactions", "u1", `{"amount":"1","bogus":true}`,
			http.StatusBadRequest, "bad_request"},
		{"not found", http.MethodPut, "/transactions/nope", "u1",
			`{"expectedVersion":1,"changes":{"description":"x"}}`, http.StatusNotFound, "not_found"},
		{"other owner", http.MethodGet, "/transactions/t1", "u2", "", http.StatusNotFound, "not_found"},
		{"stale version", http.MethodPut, "/transactions/t1", "u1",
			`{"expectedVersion":1,"changes":{"amount":"50.00"}}`, http.StatusConflict, "conflict"},
		{"missing version", http.MethodDelete, "/transactions/t1", "u1", `{}`, http.StatusUnprocessableEntity, "validation"},
		{"unknown strategy", http.MethodPut, "/transactions/t1", "u1",
			`{"expectedVersion":2,"strategy":"coin-flip","changes":{"description":"x"}}`,
			http.StatusUnprocessableEntity, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, tt.method, tt.target, tt.user, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.want, rr.Body.String())
			}
			if got := decode[ErrorBody](t, rr); got.Error != tt.code {
				t.Errorf("error code %q, want %q", got.Error, tt.code)
			}
		})
	}
}

func TestOtherOwnerCannotMutate(t *testing.T) {
	srv := newTestServer(t, Options{})
	if rr := do(t, srv, http.MethodPost, "/transactions", "u1", createBody); rr.Code != http.StatusCreated {
		t.Fatalf("seed create: %d %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"update", http.MethodPut, "/transactions/t1", `{"expectedVersion":1,"changes":{"amount":"1.00"}}`, http.StatusNotFound},
		{"update stale version", http.MethodPut, "/transactions/t1", `{"expectedVersion":9,"changes":{"amount":"1.00"}}`, http.StatusNotFound},
		{"delete", http.MethodDelete, "/transactions/t1", `{"expectedVersion":1}`, http.StatusNotFound},
		{"restore", http.MethodPost, "/transactions/t1/restore", `{"expectedVersion":1}`, http.StatusNotFound},
		{"allocation", http.MethodPut, "/categories/dining/allocation", `{"expectedVersion":2,"allocated":"999.00"}`, http.StatusNotFound},
		{"create for u1", http.MethodPost, "/transactions",
			`{"id":"t9","ownerId":"u1","type":"expense","amount":"5.00","categoryId":"restaurants","date":"2024-03-11","description":"x"}`,
			http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, tt.method, tt.target, "mallory", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	rr := do(t, srv, http.MethodGet, "/transactions/t1", "u1", "")
	tx := decode[core.Transaction](t, rr)
	if tx.Version != 1 || tx.Amount.String() != "45.50" || tx.Deleted {
		t.Errorf("transaction changed: %+v", tx)
	}
	rr = do(t, srv, http.MethodGet, "/categories/dining", "u1", "")
	c := decode[core.BudgetCategory](t, rr)
	if c.Allocated.String() != "200.00" || c.Spent.String() != "45.50" {
		t.Errorf("category changed: %+v", c)
	}
	if rr := do(t, srv, http.MethodGet, "/transactions/t9", "u1", ""); rr.Code != http.StatusNotFound {
		t.Errorf("foreign create committed: %d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/audit/entities/t1", "u1", "")
	history := decode[struct {
		Entries []core.AuditEntry `json:"entries"`
	}](t, rr)
	if len(history.Entries) != 1 {
		t.Errorf("expected only the create in the trail, got %d entries", len(history.Entries))
	}
}

func TestConflictCarriesSuggestion(t *testing.T) {
	srv := newTestServer(t, Options{})
	do(t, srv, http.MethodPost, "/transactions", "u1", createBody)
	do(t, srv, http.MethodPut, "/transactions/t1", "u1", `{"expectedVersion":1,"changes":{"description":"Dinner out"}}`)

	rr := do(t, srv, http.MethodPut, "/transactions/t1", "u1", `{"expectedVersion":1,"changes":{"amount":"50.00"}}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		CurrentVersion int64 `json:"currentVersion"`
		Suggestion     struct {
			Amount      core.Money `json:"amount"`
			Description string     `json:"description"`
		} `json:"suggestion"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.CurrentVersion != 2 || body.Suggestion.Amount.String() != "50.00" || body.Suggestion.Description != "Dinner out" {
		t.Fatalf("unexpected conflict body %s", rr.Body.String())
	}
}

func TestLockedTransactionReturns423(t *testing.T) {
	srv := newTestServer(t, Options{})
	do(t, srv, http.MethodPost, "/transactions", "u1", createBody)
	if _, err := srv.svc.TransactionLocks().Acquire(context.Background(), "t1", "someone-else", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	rr := do(t, srv, http.MethodPut, "/transactions/t1", "u1", `{"expectedVersion":1,"changes":{"description":"x"}}`)
	if rr.Code != http.StatusLocked {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[ErrorBody](t, rr); got.Holder != "someone-else" || got.Expiry == nil {
		t.Fatalf("unexpected lock body %+v", got)
	}
}

func TestAllocationAndPreview(t *testing.T) {
	srv := newTestServer(t, Options{})

	rr := do(t, srv, http.MethodPut, "/categories/dining/allocation", "u1", `{"expectedVersion":1,"allocated":"250.00"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("allocation status=%d body=%s", rr.Code, rr.Body.String())
	}
	if c := decode[core.BudgetCategory](t, rr); c.Allocated.String() != "250.00" || c.Version != 2 {
		t.Fatalf("unexpected category %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodPut, "/categories/dining/allocation", "u1", `{"expectedVersion":1,"allocated":"300.00"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale allocation status=%d", rr.Code)
	}

	rr = do(t, srv, http.MethodPost, "/budget/preview", "u1",
		`{"type":"expense","amount":"300.00","categoryId":"restaurants","date":"2024-03-12"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("preview status=%d body=%s", rr.Code, rr.Body.String())
	}
	preview := decode[budget.Preview](t, rr)
	if len(preview.Impacts) != 1 || len(preview.Warnings) == 0 {
		t.Fatalf("expected over-budget preview, got %s", rr.Body.String())
	}
	if c := decode[core.BudgetCategory](t, do(t, srv, http.MethodGet, "/categories/dining", "u1", "")); !c.Spent.Equal(core.Zero) {
		t.Fatal("preview must not persist")
	}
}

func TestReconcileEndpoints(t *testing.T) {
	srv := newTestServer(t, Options{})
	do(t, srv, http.MethodPost, "/transactions", "u1",
		`{"id":"inc","type":"income","amount":"1000.00","categoryId":"salary","date":"2024-03-01","description":"Salary"}`)
	do(t, srv, http.MethodPost, "/transactions", "u1", createBody)

	rr := do(t, srv, http.MethodPost, "/reconcile", "u1", `{"expectedBalance":"954.50"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile status=%d body=%s", rr.Code, rr.Body.String())
	}
	if res := decode[reconcile.Result](t, rr); !res.IsReconciled || res.TransactionCount != 2 {
		t.Fatalf("unexpected reconcile result %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/reconcile/report", "u1", `{"periodStart":"2024-03-01","periodEnd":"2024-03-31"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("report status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rep := decode[reconcile.Report](t, rr); rep.Summary.TransactionCount != 2 {
		t.Fatalf("unexpected report %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/reconcile/missing", "u1",
		`{"entries":[{"date":"2024-03-11","amount":"45.50","description":"DINNER"},{"date":"2024-03-12","amount":"12.00","description":"TAXI"}]}`)
	missing := decode[struct {
		Issues []reconcile.Issue `json:"issues"`
	}](t, rr)
	if len(missing.Issues) != 1 || missing.Issues[0].Amount.String() != "12.00" {
		t.Fatalf("unexpected missing issues %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/snapshots", "u1", `{"date":"2024-03-31"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("snapshot status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/integrity", "u1", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"isValid":true`) {
		t.Fatalf("integrity status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAuditExportCSV(t *testing.T) {
	srv := newTestServer(t, Options{})
	do(t, srv, http.MethodPost, "/transactions", "u1", createBody)
	do(t, srv, http.MethodPut, "/transactions/t1", "u1", `{"expectedVersion":1,"changes":{"description":"Dinner out"}}`)

	rr := do(t, srv, http.MethodGet, "/audit/export.csv?from=2024-03-01&to=2024-03-31", "u1", "")
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("export status=%d type=%s", rr.Code, rr.Header().Get("Content-Type"))
	}
	records, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(records) != 3 || strings.Join(records[0], ",") != strings.Join(audit.ExportHeader, ",") {
		t.Fatalf("unexpected export %v", records)
	}

	rr = do(t, srv, http.MethodGet, "/audit?from=2024-04-01", "u1", "")
	trail := decode[struct {
		Entries []core.AuditEntry `json:"entries"`
	}](t, rr)
	if len(trail.Entries) != 0 {
		t.Fatalf("expected no entries after April, got %d", len(trail.Entries))
	}

	rr = do(t, srv, http.MethodGet, "/audit?from=yesterday", "u1", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad range status=%d", rr.Code)
	}
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	srv := newTestServer(t, Options{RateLimit: ratelimit.Config{RequestsPerMinute: 1, WritesOnly: true}})

	if rr := do(t, srv, http.MethodPost, "/transactions", "u1", createBody); rr.Code != http.StatusCreated {
		t.Fatalf("first write status=%d", rr.Code)
	}
	rr := do(t, srv, http.MethodPost, "/budget/preview", "u1", `{"type":"expense","amount":"1","categoryId":"restaurants","date":"2024-03-12"}`)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/transactions/t1", "u1", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", rr.Code)
	}
}

func TestAuditSignalsSummaryAndStrictIntegrity(t *testing.T) {
	srv := newTestServer(t, Options{})
	if rr := do(t, srv, http.MethodPost, "/transactions", "u1", createBody); rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr := do(t, srv, http.MethodGet, "/audit/signals?window=2h", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("signals status=%d body=%s", rr.Code, rr.Body.String())
	}
	signals := decode[struct {
		Window  string            `json:"window"`
		Signals []json.RawMessage `json:"signals"`
	}](t, rr)
	if signals.Window != "2h0m0s" || signals.Signals == nil || len(signals.Signals) != 0 {
		t.Errorf("unexpected signals %s", rr.Body.String())
	}
	if rr := do(t, srv, http.MethodGet, "/audit/signals?window=forever", "u1", ""); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad window status=%d", rr.Code)
	}

	rr = do(t, srv, http.MethodGet, "/audit/summary?limit=1", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("summary status=%d body=%s", rr.Code, rr.Body.String())
	}
	summary := decode[struct {
		ByAction map[string]int   `json:"byAction"`
		Recent   []map[string]any `json:"recent"`
	}](t, rr)
	if summary.ByAction["CREATE"] != 1 || len(summary.Recent) != 1 {
		t.Errorf("unexpected summary %s", rr.Body.String())
	}
	if rr := do(t, srv, http.MethodGet, "/audit/summary?limit=1000", "u1", ""); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversized limit status=%d", rr.Code)
	}

	if rr := do(t, srv, http.MethodGet, "/integrity?strict=true", "u1", ""); rr.Code != http.StatusOK {
		t.Errorf("strict integrity on consistent data status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, srv, http.MethodGet, "/integrity?strict=true&expected=deadbeef", "u1", "")
	if rr.Code != http.StatusInternalServerError || decode[ErrorBody](t, rr).Error != "integrity" {
		t.Errorf("strict mismatch status=%d body=%s", rr.Code, rr.Body.String())
	}
}
