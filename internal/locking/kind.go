// Package locking implements the optimistic, version-stamped
// read-modify-write protocol shared by every mutable entity, plus the
// advisory soft locks that guard concurrent UI editing.
package locking

import (
	"time"

	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/storage"
)

// Patch is the typed set of changed fields for entity type T.
type Patch[P any, T any] interface {
	Apply(T) T
	Conflicts(P) []string
	Without(fields ...string) P
	Fields() []string
	IsEmpty() bool
	Changes(base T) []core.FieldChange
}

// Kind describes how a versioned entity type is stored and diffed.
type Kind[T any, P Patch[P, T]] struct {
	Name       string
	Collection string
	Encode     func(T) docstore.Fields
	Decode     func(docstore.Document) (T, error)
	Diff       func(base, next T) P
	ID         func(T) string
	Version    func(T) int64

	// Stamp sets version and modification metadata on a new state.
	Stamp    func(t T, version int64, actor string, now time.Time) T
	Lock     func(T) core.SoftLock
	WithLock func(T, core.SoftLock) T
}

func TransactionKind() Kind[core.Transaction, core.TransactionPatch] {
	return Kind[core.Transaction, core.TransactionPatch]{
		Name:       "transaction",
		Collection: storage.Transactions,
		Encode:     storage.TransactionFields,
		Decode:     storage.DecodeTransaction,
		Diff:       core.DiffTransactions,
		ID:         func(t core.Transaction) string { return t.ID },
		Version:    func(t core.Transaction) int64 { return t.Version },
		Stamp: func(t core.Transaction, version int64, actor string, now time.Time) core.Transaction {
			t.Version = version
			t.UpdatedAt = now
			t.LastModifiedBy = actor
			if version == 1 {
				t.CreatedAt = now
				t.CreatedBy = actor
			}
			return t
		},
		Lock: func(t core.Transaction) core.SoftLock { return t.Lock },
		WithLock: func(t core.Transaction, l core.SoftLock) core.Transaction {
			t.Lock = l
			return t
		},
	}
}

func CategoryKind() Kind[core.BudgetCategory, core.CategoryPatch] {
	return Kind[core.BudgetCategory, core.CategoryPatch]{
		Name:       "budget category",
		Collection: storage.BudgetCategories,
		Encode:     storage.CategoryFields,
		Decode:     storage.DecodeCategory,
		Diff:       core.DiffCategories,
		ID:         func(c core.BudgetCategory) string { return c.ID },
		Version:    func(c core.BudgetCategory) int64 { return c.Version },
		Stamp: func(c core.BudgetCategory, version int64, _ string, now time.Time) core.BudgetCategory {
			c.Version = version
			c.UpdatedAt = now
			return c
		},
		Lock: func(c core.BudgetCategory) core.SoftLock { return c.Lock },
		WithLock: func(c core.BudgetCategory, l core.SoftLock) core.BudgetCategory {
			c.Lock = l
			return c
		},
	}
}
