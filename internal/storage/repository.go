package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
)

// Repository reads typed entities out of a docstore.Store. Writes go through
// docstore batches built by the locking and services packages.
type Repository struct {
	store docstore.Store
}

func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) Store() docstore.Store { return r.store }

func (r *Repository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	d, err := r.get(ctx, Transactions, "transaction", id)
	if err != nil {
		return core.Transaction{}, err
	}
	return DecodeTransaction(d)
}

// ListTransactions returns the owner's transactions dated within [from, to]
// (inclusive by day; zero bounds are open). Soft-deleted rows are skipped
// unless includeDeleted is set.
func (r *Repository) ListTransactions(ctx context.Context, ownerID string, from, to time.Time, includeDeleted bool) ([]core.Transaction, error) {
	q := docstore.NewQuery(Transactions).Where(KeyOwnerID, docstore.OpEqual, ownerID).Order("date", false)
	if !from.IsZero() {
		q = q.Where("date", docstore.OpGreaterEqual, FormatTime(core.DayOf(from)))
	}
	if !to.IsZero() {
		q = q.Where("date", docstore.OpLess, FormatTime(core.DayOf(to).AddDate(0, 0, 1)))
	}
	if !includeDeleted {
		q = q.Where("deleted", docstore.OpEqual, false)
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]core.Transaction, 0, len(docs))
	for _, d := range docs {
		t, err := DecodeTransaction(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Repository) GetBudget(ctx context.Context, id string) (core.Budget, error) {
	d, err := r.get(ctx, Budgets, "budget", id)
	if err != nil {
		return core.Budget{}, err
	}
	return DecodeBudget(d)
}

func (r *Repository) ListBudgets(ctx context.Context, ownerID string) ([]core.Budget, error) {
	docs, err := r.store.Query(ctx, docstore.NewQuery(Budgets).Where(KeyOwnerID, docstore.OpEqual, ownerID))
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	out := make([]core.Budget, 0, len(docs))
	for _, d := range docs {
		b, err := DecodeBudget(d)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ListOwners returns every owner with at least one budget category, sorted.
func (r *Repository) ListOwners(ctx context.Context) ([]string, error) {
	docs, err := r.store.Query(ctx, docstore.NewQuery(BudgetCategories))
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	seen := make(map[string]struct{})
	for _, d := range docs {
		if owner := d.Fields.String(KeyOwnerID); owner != "" {
			seen[owner] = struct{}{}
		}
	}
	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (r *Repository) GetCategory(ctx context.Context, id string) (core.BudgetCategory, error) {
	d, err := r.get(ctx, BudgetCategories, "budget category", id)
	if err != nil {
		return core.BudgetCategory{}, err
	}
	return DecodeCategory(d)
}

// ListCategories returns the owner's budget categories, optionally narrowed
// to the given budgets.
func (r *Repository) ListCategories(ctx context.Context, ownerID string, budgetIDs ...string) ([]core.BudgetCategory, error) {
	q := docstore.NewQuery(BudgetCategories).Where(KeyOwnerID, docstore.OpEqual, ownerID)
	if len(budgetIDs) > 0 {
		q = q.Where(KeyBudgetID, docstore.OpIn, budgetIDs)
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list budget categories: %w", err)
	}
	out := make([]core.BudgetCategory, 0, len(docs))
	for _, d := range docs {
		c, err := DecodeCategory(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListAuditEntries returns the owner's audit trail between from and to,
// oldest first. Zero bounds are open.
func (r *Repository) ListAuditEntries(ctx context.Context, ownerID string, from, to time.Time) ([]core.AuditEntry, error) {
	q := docstore.NewQuery(AuditEntries).Where(KeyOwnerID, docstore.OpEqual, ownerID).Order(KeyTimestamp, false)
	if !from.IsZero() {
		q = q.Where(KeyTimestamp, docstore.OpGreaterEqual, FormatTime(from))
	}
	if !to.IsZero() {
		q = q.Where(KeyTimestamp, docstore.OpLessEqual, FormatTime(to))
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]core.AuditEntry, 0, len(docs))
	for _, d := range docs {
		e, err := DecodeAuditEntry(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// EntityHistory returns every audit entry for one entity, oldest first.
func (r *Repository) EntityHistory(ctx context.Context, ownerID, entityID string) ([]core.AuditEntry, error) {
	docs, err := r.store.Query(ctx, docstore.NewQuery(AuditEntries).
		Where(KeyOwnerID, docstore.OpEqual, ownerID).
		Where(KeyEntityID, docstore.OpEqual, entityID).
		Order(KeyTimestamp, false))
	if err != nil {
		return nil, fmt.Errorf("entity history: %w", err)
	}
	out := make([]core.AuditEntry, 0, len(docs))
	for _, d := range docs {
		e, err := DecodeAuditEntry(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository) ListAlerts(ctx context.Context, ownerID string, unreadOnly bool) ([]core.BudgetAlert, error) {
	q := docstore.NewQuery(BudgetAlerts).Where(KeyOwnerID, docstore.OpEqual, ownerID).Order(KeyCreatedAt, true)
	if unreadOnly {
		q = q.Where("read", docstore.OpEqual, false)
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]core.BudgetAlert, 0, len(docs))
	for _, d := range docs {
		a, err := DecodeAlert(d)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveSnapshot overwrites the owner's snapshot for the snapshot's day.
func (r *Repository) SaveSnapshot(ctx context.Context, s core.BalanceSnapshot) (string, error) {
	id := SnapshotID(s.OwnerID, s.Date)
	if err := r.store.Put(ctx, BalanceSnapshots, id, SnapshotFields(s)); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return id, nil
}

func (r *Repository) GetSnapshot(ctx context.Context, ownerID string, date time.Time) (core.BalanceSnapshot, error) {
	d, err := r.get(ctx, BalanceSnapshots, "balance snapshot", SnapshotID(ownerID, date))
	if err != nil {
		return core.BalanceSnapshot{}, err
	}
	return DecodeSnapshot(d)
}

// SnapshotID is deterministic so regenerating a day's snapshot replaces it.
func SnapshotID(ownerID string, date time.Time) string {
	return ownerID + "_" + core.DayOf(date).Format(core.DateLayout)
}

func (r *Repository) get(ctx context.Context, collection, entity, id string) (docstore.Document, error) {
	d, err := r.store.Get(ctx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{}, &core.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return d, nil
}
