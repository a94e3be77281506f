package core

import (
	"slices"
	"time"
)

// Mutable transaction field names, as they appear in audit entries and documents.
const (
	FieldType        = "type"
	FieldAmount      = "amount"
	FieldCurrency    = "currency"
	FieldCategoryID  = "categoryId"
	FieldDate        = "date"
	FieldDescription = "description"
	FieldDeleted     = "deleted"

	FieldName        = "name"
	FieldAllocated   = "allocated"
	FieldSpent       = "spent"
	FieldCategoryIDs = "categoryIds"
)

// DateLayout is the canonical day encoding used in diffs, checksums and exports.
const DateLayout = "2006-01-02"

// TransactionPatch is the set of mutable transaction fields that differ
// between two states. A nil pointer means "unchanged".
type TransactionPatch struct {
	Type        *TransactionType
	Amount      *Money
	Currency    *string
	CategoryID  *string
	Date        *time.Time
	Description *string
	Deleted     *bool
}

// DiffTransactions returns the patch that turns base into next.
func DiffTransactions(base, next Transaction) TransactionPatch {
	var p TransactionPatch
	if base.Type != next.Type {
		p.Type = ptr(next.Type)
	}
	if !base.Amount.Equal(next.Amount) {
		p.Amount = ptr(next.Amount)
	}
	if base.Currency != next.Currency {
		p.Currency = ptr(next.Currency)
	}
	if base.CategoryID != next.CategoryID {
		p.CategoryID = ptr(next.CategoryID)
	}
	if !DayOf(base.Date).Equal(DayOf(next.Date)) {
		p.Date = ptr(next.Date)
	}
	if base.Description != next.Description {
		p.Description = ptr(next.Description)
	}
	if base.Deleted != next.Deleted {
		p.Deleted = ptr(next.Deleted)
	}
	return p
}

// Apply returns t with every field set in p overwritten.
func (p TransactionPatch) Apply(t Transaction) Transaction {
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Currency != nil {
		t.Currency = *p.Currency
	}
	if p.CategoryID != nil {
		t.CategoryID = *p.CategoryID
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Deleted != nil {
		t.Deleted = *p.Deleted
	}
	return t
}

// Fields lists the names of the fields set in p, in declaration order.
func (p TransactionPatch) Fields() []string {
	var out []string
	if p.Type != nil {
		out = append(out, FieldType)
	}
	if p.Amount != nil {
		out = append(out, FieldAmount)
	}
	if p.Currency != nil {
		out = append(out, FieldCurrency)
	}
	if p.CategoryID != nil {
		out = append(out, FieldCategoryID)
	}
	if p.Date != nil {
		out = append(out, FieldDate)
	}
	if p.Description != nil {
		out = append(out, FieldDescription)
	}
	if p.Deleted != nil {
		out = append(out, FieldDeleted)
	}
	return out
}

func (p TransactionPatch) IsEmpty() bool { return len(p.Fields()) == 0 }

// Conflicts returns the fields set in both patches to different values.
// Two writers that converge on the same value do not conflict.
func (p TransactionPatch) Conflicts(o TransactionPatch) []string {
	var out []string
	if p.Type != nil && o.Type != nil && *p.Type != *o.Type {
		out = append(out, FieldType)
	}
	if p.Amount != nil && o.Amount != nil && !p.Amount.Equal(*o.Amount) {
		out = append(out, FieldAmount)
	}
	if p.Currency != nil && o.Currency != nil && *p.Currency != *o.Currency {
		out = append(out, FieldCurrency)
	}
	if p.CategoryID != nil && o.CategoryID != nil && *p.CategoryID != *o.CategoryID {
		out = append(out, FieldCategoryID)
	}
	if p.Date != nil && o.Date != nil && !DayOf(*p.Date).Equal(DayOf(*o.Date)) {
		out = append(out, FieldDate)
	}
	if p.Description != nil && o.Description != nil && *p.Description != *o.Description {
		out = append(out, FieldDescription)
	}
	if p.Deleted != nil && o.Deleted != nil && *p.Deleted != *o.Deleted {
		out = append(out, FieldDeleted)
	}
	return out
}

// Without returns p with the named fields cleared.
func (p TransactionPatch) Without(fields ...string) TransactionPatch {
	for _, f := range fields {
		switch f {
		case FieldType:
			p.Type = nil
		case FieldAmount:
			p.Amount = nil
		case FieldCurrency:
			p.Currency = nil
		case FieldCategoryID:
			p.CategoryID = nil
		case FieldDate:
			p.Date = nil
		case FieldDescription:
			p.Description = nil
		case FieldDeleted:
			p.Deleted = nil
		}
	}
	return p
}

// Changes renders the patch against base as audit field changes.
func (p TransactionPatch) Changes(base Transaction) []FieldChange {
	var out []FieldChange
	if p.Type != nil {
		out = append(out, FieldChange{Field: FieldType, Old: string(base.Type), New: string(*p.Type)})
	}
	if p.Amount != nil {
		out = append(out, FieldChange{Field: FieldAmount, Old: base.Amount.String(), New: p.Amount.String()})
	}
	if p.Currency != nil {
		out = append(out, FieldChange{Field: FieldCurrency, Old: base.Currency, New: *p.Currency})
	}
	if p.CategoryID != nil {
		out = append(out, FieldChange{Field: FieldCategoryID, Old: base.CategoryID, New: *p.CategoryID})
	}
	if p.Date != nil {
		out = append(out, FieldChange{Field: FieldDate, Old: base.Date.UTC().Format(DateLayout), New: p.Date.UTC().Format(DateLayout)})
	}
	if p.Description != nil {
		out = append(out, FieldChange{Field: FieldDescription, Old: base.Description, New: *p.Description})
	}
	if p.Deleted != nil {
		out = append(out, FieldChange{Field: FieldDeleted, Old: base.Deleted, New: *p.Deleted})
	}
	return out
}

// CategoryPatch is the set of mutable budget-category fields that differ.
type CategoryPatch struct {
	Name        *string
	Allocated   *Money
	Spent       *Money
	CategoryIDs []string
	idsSet      bool
}

// DiffCategories returns the patch that turns base into next.
func DiffCategories(base, next BudgetCategory) CategoryPatch {
	var p CategoryPatch
	if base.Name != next.Name {
		p.Name = ptr(next.Name)
	}
	if !base.Allocated.Equal(next.Allocated) {
		p.Allocated = ptr(next.Allocated)
	}
	if !base.Spent.Equal(next.Spent) {
		p.Spent = ptr(next.Spent)
	}
	if !sameSet(base.CategoryIDs, next.CategoryIDs) {
		p.CategoryIDs = slices.Clone(next.CategoryIDs)
		p.idsSet = true
	}
	return p
}

func (p CategoryPatch) Apply(c BudgetCategory) BudgetCategory {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Allocated != nil {
		c.Allocated = *p.Allocated
	}
	if p.Spent != nil {
		c.Spent = *p.Spent
	}
	if p.idsSet {
		c.CategoryIDs = slices.Clone(p.CategoryIDs)
	}
	return c
}

func (p CategoryPatch) Fields() []string {
	var out []string
	if p.Name != nil {
		out = append(out, FieldName)
	}
	if p.Allocated != nil {
		out = append(out, FieldAllocated)
	}
	if p.Spent != nil {
		out = append(out, FieldSpent)
	}
	if p.idsSet {
		out = append(out, FieldCategoryIDs)
	}
	return out
}

func (p CategoryPatch) IsEmpty() bool { return len(p.Fields()) == 0 }

func (p CategoryPatch) Conflicts(o CategoryPatch) []string {
	var out []string
	if p.Name != nil && o.Name != nil && *p.Name != *o.Name {
		out = append(out, FieldName)
	}
	if p.Allocated != nil && o.Allocated != nil && !p.Allocated.Equal(*o.Allocated) {
		out = append(out, FieldAllocated)
	}
	if p.Spent != nil && o.Spent != nil && !p.Spent.Equal(*o.Spent) {
		out = append(out, FieldSpent)
	}
	if p.idsSet && o.idsSet && !sameSet(p.CategoryIDs, o.CategoryIDs) {
		out = append(out, FieldCategoryIDs)
	}
	return out
}

func (p CategoryPatch) Without(fields ...string) CategoryPatch {
	for _, f := range fields {
		switch f {
		case FieldName:
			p.Name = nil
		case FieldAllocated:
			p.Allocated = nil
		case FieldSpent:
			p.Spent = nil
		case FieldCategoryIDs:
			p.CategoryIDs = nil
			p.idsSet = false
		}
	}
	return p
}

func (p CategoryPatch) Changes(base BudgetCategory) []FieldChange {
	var out []FieldChange
	if p.Name != nil {
		out = append(out, FieldChange{Field: FieldName, Old: base.Name, New: *p.Name})
	}
	if p.Allocated != nil {
		out = append(out, FieldChange{Field: FieldAllocated, Old: base.Allocated.String(), New: p.Allocated.String()})
	}
	if p.Spent != nil {
		out = append(out, FieldChange{Field: FieldSpent, Old: base.Spent.String(), New: p.Spent.String()})
	}
	if p.idsSet {
		out = append(out, FieldChange{Field: FieldCategoryIDs, Old: slices.Clone(base.CategoryIDs), New: slices.Clone(p.CategoryIDs)})
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func ptr[T any](v T) *T { return &v }
