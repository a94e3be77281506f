package core

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	Income    TransactionType = "income"
	Expense   TransactionType = "expense"
	Asset     TransactionType = "asset"
	Liability TransactionType = "liability"
)

const (
	ActionCreate  AuditAction = "CREATE"
	ActionUpdate  AuditAction = "UPDATE"
	ActionDelete  AuditAction = "DELETE"
	ActionRestore AuditAction = "RESTORE"
)

const (
	AlertOverBudget       AlertType = "over_budget"
	AlertApproachingLimit AlertType = "approaching_limit"

	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// DefaultCurrency is applied when a transaction arrives without one.
const DefaultCurrency = "EUR"

const maxDescriptionLength = 200

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type (
	TransactionType string
	AuditAction     string
	AlertType       string
	Severity        string

	// SoftLock is an advisory editing marker. It is never enforced by the
	// store; see locking.AdvisoryLock.
	SoftLock struct {
		Holder string    `json:"lockedBy,omitempty"`
		Expiry time.Time `json:"lockExpiry,omitempty"`
	}

	Transaction struct {
		ID             string          `json:"id"`
		OwnerID        string          `json:"ownerId"`
		Type           TransactionType `json:"type"`
		Amount         Money           `json:"amount"`
		Currency       string          `json:"currency"`
		CategoryID     string          `json:"categoryId"`
		Date           time.Time       `json:"date"`
		Description    string          `json:"description"`
		Version        int64           `json:"version"`
		Lock           SoftLock        `json:"lock"`
		Deleted        bool            `json:"deleted"`
		CreatedAt      time.Time       `json:"createdAt"`
		UpdatedAt      time.Time       `json:"updatedAt"`
		CreatedBy      string          `json:"createdBy"`
		LastModifiedBy string          `json:"lastModifiedBy"`
	}

	// Budget groups categories over an inclusive active period.
	Budget struct {
		ID          string    `json:"id"`
		OwnerID     string    `json:"ownerId"`
		Name        string    `json:"name"`
		PeriodStart time.Time `json:"periodStart"`
		PeriodEnd   time.Time `json:"periodEnd"`
		Version     int64     `json:"version"`
	}

	// BudgetCategory tracks spending for a set of transaction categories.
	// Remaining and over-budget state are derived, never stored.
	BudgetCategory struct {
		ID          string    `json:"id"`
		BudgetID    string    `json:"budgetId"`
		OwnerID     string    `json:"ownerId"`
		Name        string    `json:"name"`
		CategoryIDs []string  `json:"categoryIds"`
		Allocated   Money     `json:"allocated"`
		Spent       Money     `json:"spent"`
		Version     int64     `json:"version"`
		Lock        SoftLock  `json:"lock"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	FieldChange struct {
		Field string `json:"field"`
		Old   any    `json:"oldValue"`
		New   any    `json:"newValue"`
	}

	AuditMetadata struct {
		Source string `json:"source,omitempty"`
		Reason string `json:"reason,omitempty"`
		Note   string `json:"note,omitempty"`
	}

	// AuditEntry is append-only; nothing in the normal write path mutates or
	// deletes one after it has been committed.
	AuditEntry struct {
		ID            string         `json:"id"`
		OwnerID       string         `json:"ownerId"`
		Timestamp     time.Time      `json:"timestamp"`
		ActorID       string         `json:"actorId"`
		Action        AuditAction    `json:"action"`
		EntityType    string         `json:"entityType"`
		EntityID      string         `json:"entityId"`
		Changes       []FieldChange  `json:"changes,omitempty"`
		PreviousState map[string]any `json:"previousState,omitempty"`
		NewState      map[string]any `json:"newState,omitempty"`
		Metadata      AuditMetadata  `json:"metadata"`
	}

	BudgetAlert struct {
		ID         string    `json:"id"`
		OwnerID    string    `json:"ownerId"`
		BudgetID   string    `json:"budgetId"`
		CategoryID string    `json:"categoryId"`
		Type       AlertType `json:"type"`
		Severity   Severity  `json:"severity"`
		Threshold  int       `json:"threshold"`
		Current    Money     `json:"currentAmount"`
		Allocated  Money     `json:"allocated"`
		Message    string    `json:"message"`
		Read       bool      `json:"read"`
		CreatedAt  time.Time `json:"createdAt"`
	}

	BudgetImpact struct {
		BudgetID       string  `json:"budgetId"`
		CategoryID     string  `json:"categoryId"`
		CategoryName   string  `json:"categoryName"`
		PreviousSpent  Money   `json:"previousSpent"`
		NewSpent       Money   `json:"newSpent"`
		Allocated      Money   `json:"allocated"`
		Remaining      Money   `json:"remaining"`
		PercentageUsed float64 `json:"percentageUsed"`
		IsOverBudget   bool    `json:"isOverBudget"`
	}
)

// IsValid reports whether t is one of the four known types.
func (t TransactionType) IsValid() bool {
	switch t {
	case Income, Expense, Asset, Liability:
		return true
	}
	return false
}

// Active reports whether the lock is held at now.
func (l SoftLock) Active(now time.Time) bool {
	return l.Holder != "" && now.Before(l.Expiry)
}

// BlocksActor reports whether the lock prevents actor from editing at now.
func (l SoftLock) BlocksActor(actor string, now time.Time) bool {
	return l.Active(now) && l.Holder != actor
}

// Validate checks the transaction's intrinsic invariants. Future dates are
// valid; use IsFutureDated to flag them.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.OwnerID) == "" {
		return NewValidationError("ownerId", ErrEmptyOwner)
	}
	if !t.Type.IsValid() {
		return NewValidationError("type", ErrInvalidType)
	}
	if t.Amount.IsNegative() {
		return NewValidationError("amount", ErrInvalidAmount)
	}
	if !currencyPattern.MatchString(t.Currency) {
		return NewValidationError("currency", ErrInvalidCurrency)
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return NewValidationError("categoryId", ErrEmptyCategory)
	}
	if t.Date.IsZero() {
		return NewValidationError("date", ErrInvalidDate)
	}
	if len(t.Description) > maxDescriptionLength {
		return NewValidationError("description", ErrDescriptionLength)
	}
	return nil
}

// IsFutureDated reports whether the transaction date falls after now's day.
func (t Transaction) IsFutureDated(now time.Time) bool {
	return DayOf(t.Date).After(DayOf(now))
}

// Remaining is allocated minus spent.
func (c BudgetCategory) Remaining() Money {
	return c.Allocated.Sub(c.Spent)
}

// IsOverBudget reports spent > allocated.
func (c BudgetCategory) IsOverBudget() bool {
	return c.Spent.GreaterThan(c.Allocated)
}

// PercentageUsed is spent/allocated*100.
func (c BudgetCategory) PercentageUsed() float64 {
	f, _ := c.Spent.Percent(c.Allocated).Float64()
	return f
}

// Maps reports whether the category tracks the given transaction category id.
func (c BudgetCategory) Maps(categoryID string) bool {
	return slices.Contains(c.CategoryIDs, categoryID)
}

// Contains reports whether date falls within the budget's inclusive period.
func (b Budget) Contains(date time.Time) bool {
	d := DayOf(date)
	return !d.Before(DayOf(b.PeriodStart)) && !d.After(DayOf(b.PeriodEnd))
}

// DayOf truncates t to midnight UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDate creates a UTC date.
func NewDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
