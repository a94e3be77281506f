package storage

import (
	"fmt"
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
)

// Collection names.
const (
	Transactions     = "transactions"
	Budgets          = "budgets"
	BudgetCategories = "budget_categories"
	AuditEntries     = "audit_entries"
	BudgetAlerts     = "budget_alerts"
	BalanceSnapshots = "balance_snapshots"
)

// TimeLayout is fixed-width UTC so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Document field names shared by every collection.
const (
	KeyOwnerID        = "ownerId"
	KeyVersion        = "version"
	KeyLockedBy       = "lockedBy"
	KeyLockExpiry     = "lockExpiry"
	KeyUpdatedAt      = "updatedAt"
	KeyCreatedAt      = "createdAt"
	KeyCreatedBy      = "createdBy"
	KeyLastModifiedBy = "lastModifiedBy"
	KeyBudgetID       = "budgetId"
	KeyTimestamp      = "timestamp"
	KeyEntityID       = "entityId"
)

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Tolerate RFC 3339 written by other tools.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, err
	}
	return t, nil
}

func parseMoney(f docstore.Fields, key string) (core.Money, error) {
	raw := f.String(key)
	if raw == "" {
		return core.Zero, nil
	}
	m, err := core.ParseMoney(raw)
	if err != nil && len(raw) > 0 && raw[0] == '-' {
		// Stored derived values (remaining, net worth) may be negative.
		m, err = core.ParseMoney(raw[1:])
		m = m.Neg()
	}
	if err != nil {
		return core.Zero, fmt.Errorf("field %s: %w", key, err)
	}
	return m, nil
}

func lockFields(l core.SoftLock) (any, any) {
	if l.Holder == "" {
		return nil, nil
	}
	return l.Holder, FormatTime(l.Expiry)
}

func decodeLock(f docstore.Fields) core.SoftLock {
	exp, _ := ParseTime(f.String(KeyLockExpiry))
	return core.SoftLock{Holder: f.String(KeyLockedBy), Expiry: exp}
}

// LockFields renders a soft lock as a partial document for merge writes.
func LockFields(l core.SoftLock) docstore.Fields {
	holder, expiry := lockFields(l)
	return docstore.Fields{KeyLockedBy: holder, KeyLockExpiry: expiry}
}

func TransactionFields(t core.Transaction) docstore.Fields {
	holder, expiry := lockFields(t.Lock)
	return docstore.Fields{
		"id":              t.ID,
		KeyOwnerID:        t.OwnerID,
		"type":            string(t.Type),
		"amount":          t.Amount.String(),
		"currency":        t.Currency,
		"categoryId":      t.CategoryID,
		"date":            FormatTime(t.Date),
		"description":     t.Description,
		KeyVersion:        t.Version,
		KeyLockedBy:       holder,
		KeyLockExpiry:     expiry,
		"deleted":         t.Deleted,
		KeyCreatedAt:      FormatTime(t.CreatedAt),
		KeyUpdatedAt:      FormatTime(t.UpdatedAt),
		KeyCreatedBy:      t.CreatedBy,
		KeyLastModifiedBy: t.LastModifiedBy,
	}
}

func DecodeTransaction(d docstore.Document) (core.Transaction, error) {
	f := d.Fields
	amount, err := parseMoney(f, "amount")
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", d.ID, err)
	}
	date, err := ParseTime(f.String("date"))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s: date: %w", d.ID, err)
	}
	created, _ := ParseTime(f.String(KeyCreatedAt))
	updated, _ := ParseTime(f.String(KeyUpdatedAt))
	return core.Transaction{
		ID:             d.ID,
		OwnerID:        f.String(KeyOwnerID),
		Type:           core.TransactionType(f.String("type")),
		Amount:         amount,
		Currency:       f.String("currency"),
		CategoryID:     f.String("categoryId"),
		Date:           date,
		Description:    f.String("description"),
		Version:        f.Int64(KeyVersion),
		Lock:           decodeLock(f),
		Deleted:        f.Bool("deleted"),
		CreatedAt:      created,
		UpdatedAt:      updated,
		CreatedBy:      f.String(KeyCreatedBy),
		LastModifiedBy: f.String(KeyLastModifiedBy),
	}, nil
}

func BudgetFields(b core.Budget) docstore.Fields {
	return docstore.Fields{
		"id":          b.ID,
		KeyOwnerID:    b.OwnerID,
		"name":        b.Name,
		"periodStart": FormatTime(b.PeriodStart),
		"periodEnd":   FormatTime(b.PeriodEnd),
		KeyVersion:    b.Version,
	}
}

func DecodeBudget(d docstore.Document) (core.Budget, error) {
	f := d.Fields
	start, err := ParseTime(f.String("periodStart"))
	if err != nil {
		return core.Budget{}, fmt.Errorf("budget %s: periodStart: %w", d.ID, err)
	}
	end, err := ParseTime(f.String("periodEnd"))
	if err != nil {
		return core.Budget{}, fmt.Errorf("budget %s: periodEnd: %w", d.ID, err)
	}
	return core.Budget{
		ID:          d.ID,
		OwnerID:     f.String(KeyOwnerID),
		Name:        f.String("name"),
		PeriodStart: start,
		PeriodEnd:   end,
		Version:     f.Int64(KeyVersion),
	}, nil
}

func CategoryFields(c core.BudgetCategory) docstore.Fields {
	holder, expiry := lockFields(c.Lock)
	ids := c.CategoryIDs
	if ids == nil {
		ids = []string{}
	}
	return docstore.Fields{
		"id":          c.ID,
		KeyBudgetID:   c.BudgetID,
		KeyOwnerID:    c.OwnerID,
		"name":        c.Name,
		"categoryIds": ids,
		"allocated":   c.Allocated.String(),
		"spent":       c.Spent.String(),
		KeyVersion:    c.Version,
		KeyLockedBy:   holder,
		KeyLockExpiry: expiry,
		KeyUpdatedAt:  FormatTime(c.UpdatedAt),
	}
}

// CategorySpentFields is the partial document a recompute writes. It leaves
// the lock fields alone so a concurrent lock acquisition survives.
func CategorySpentFields(c core.BudgetCategory) docstore.Fields {
	return docstore.Fields{
		"spent":      c.Spent.String(),
		KeyVersion:   c.Version,
		KeyUpdatedAt: FormatTime(c.UpdatedAt),
	}
}

func DecodeCategory(d docstore.Document) (core.BudgetCategory, error) {
	f := d.Fields
	allocated, err := parseMoney(f, "allocated")
	if err != nil {
		return core.BudgetCategory{}, fmt.Errorf("category %s: %w", d.ID, err)
	}
	spent, err := parseMoney(f, "spent")
	if err != nil {
		return core.BudgetCategory{}, fmt.Errorf("category %s: %w", d.ID, err)
	}
	updated, _ := ParseTime(f.String(KeyUpdatedAt))
	return core.BudgetCategory{
		ID:          d.ID,
		BudgetID:    f.String(KeyBudgetID),
		OwnerID:     f.String(KeyOwnerID),
		Name:        f.String("name"),
		CategoryIDs: f.Strings("categoryIds"),
		Allocated:   allocated,
		Spent:       spent,
		Version:     f.Int64(KeyVersion),
		Lock:        decodeLock(f),
		UpdatedAt:   updated,
	}, nil
}

func AuditFields(e core.AuditEntry) docstore.Fields {
	changes := make([]any, 0, len(e.Changes))
	for _, c := range e.Changes {
		changes = append(changes, docstore.Fields{"field": c.Field, "oldValue": c.Old, "newValue": c.New})
	}
	f := docstore.Fields{
		"id":         e.ID,
		KeyOwnerID:   e.OwnerID,
		KeyTimestamp: FormatTime(e.Timestamp),
		"actorId":    e.ActorID,
		"action":     string(e.Action),
		"entityType": e.EntityType,
		KeyEntityID:  e.EntityID,
		"changes":    changes,
		"metadata": docstore.Fields{
			"source": e.Metadata.Source,
			"reason": e.Metadata.Reason,
			"note":   e.Metadata.Note,
		},
	}
	if e.PreviousState != nil {
		f["previousState"] = docstore.Fields(e.PreviousState).Clone()
	}
	if e.NewState != nil {
		f["newState"] = docstore.Fields(e.NewState).Clone()
	}
	return f
}

func DecodeAuditEntry(d docstore.Document) (core.AuditEntry, error) {
	f := d.Fields
	ts, err := ParseTime(f.String(KeyTimestamp))
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("audit entry %s: timestamp: %w", d.ID, err)
	}
	e := core.AuditEntry{
		ID:         d.ID,
		OwnerID:    f.String(KeyOwnerID),
		Timestamp:  ts,
		ActorID:    f.String("actorId"),
		Action:     core.AuditAction(f.String("action")),
		EntityType: f.String("entityType"),
		EntityID:   f.String(KeyEntityID),
	}
	if raw, ok := f["changes"].([]any); ok {
		for _, item := range raw {
			var c docstore.Fields
			switch v := item.(type) {
			case docstore.Fields:
				c = v
			case map[string]any:
				c = v
			default:
				continue
			}
			e.Changes = append(e.Changes, core.FieldChange{Field: c.String("field"), Old: c["oldValue"], New: c["newValue"]})
		}
	}
	if m := f.Map("metadata"); m != nil {
		e.Metadata = core.AuditMetadata{Source: m.String("source"), Reason: m.String("reason"), Note: m.String("note")}
	}
	if m := f.Map("previousState"); m != nil {
		e.PreviousState = m
	}
	if m := f.Map("newState"); m != nil {
		e.NewState = m
	}
	return e, nil
}

func AlertFields(a core.BudgetAlert) docstore.Fields {
	return docstore.Fields{
		"id":            a.ID,
		KeyOwnerID:      a.OwnerID,
		KeyBudgetID:     a.BudgetID,
		"categoryId":    a.CategoryID,
		"type":          string(a.Type),
		"severity":      string(a.Severity),
		"threshold":     int64(a.Threshold),
		"currentAmount": a.Current.String(),
		"allocated":     a.Allocated.String(),
		"message":       a.Message,
		"read":          a.Read,
		KeyCreatedAt:    FormatTime(a.CreatedAt),
	}
}

func DecodeAlert(d docstore.Document) (core.BudgetAlert, error) {
	f := d.Fields
	current, err := parseMoney(f, "currentAmount")
	if err != nil {
		return core.BudgetAlert{}, fmt.Errorf("alert %s: %w", d.ID, err)
	}
	allocated, err := parseMoney(f, "allocated")
	if err != nil {
		return core.BudgetAlert{}, fmt.Errorf("alert %s: %w", d.ID, err)
	}
	created, _ := ParseTime(f.String(KeyCreatedAt))
	return core.BudgetAlert{
		ID:         d.ID,
		OwnerID:    f.String(KeyOwnerID),
		BudgetID:   f.String(KeyBudgetID),
		CategoryID: f.String("categoryId"),
		Type:       core.AlertType(f.String("type")),
		Severity:   core.Severity(f.String("severity")),
		Threshold:  int(f.Int64("threshold")),
		Current:    current,
		Allocated:  allocated,
		Message:    f.String("message"),
		Read:       f.Bool("read"),
		CreatedAt:  created,
	}, nil
}

func SnapshotFields(s core.BalanceSnapshot) docstore.Fields {
	return docstore.Fields{
		KeyOwnerID:         s.OwnerID,
		"date":             FormatTime(s.Date),
		"income":           s.Income.String(),
		"expenses":         s.Expenses.String(),
		"assets":           s.Assets.String(),
		"liabilities":      s.Liabilities.String(),
		"netWorth":         s.NetWorth.String(),
		"cashFlow":         s.CashFlow.String(),
		"transactionCount": int64(s.TransactionCount),
		"checksum":         s.Checksum,
	}
}

func DecodeSnapshot(d docstore.Document) (core.BalanceSnapshot, error) {
	f := d.Fields
	date, err := ParseTime(f.String("date"))
	if err != nil {
		return core.BalanceSnapshot{}, fmt.Errorf("snapshot %s: date: %w", d.ID, err)
	}
	s := core.BalanceSnapshot{
		OwnerID:          f.String(KeyOwnerID),
		Date:             date,
		TransactionCount: int(f.Int64("transactionCount")),
		Checksum:         f.String("checksum"),
	}
	for key, dst := range map[string]*core.Money{
		"income": &s.Income, "expenses": &s.Expenses, "assets": &s.Assets,
		"liabilities": &s.Liabilities, "netWorth": &s.NetWorth, "cashFlow": &s.CashFlow,
	} {
		m, err := parseMoney(f, key)
		if err != nil {
			return core.BalanceSnapshot{}, fmt.Errorf("snapshot %s: %w", d.ID, err)
		}
		*dst = m
	}
	return s, nil
}
