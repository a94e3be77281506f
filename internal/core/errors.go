package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("version conflict")
	ErrLockHeld   = errors.New("entity locked by another actor")
	ErrNotFound   = errors.New("not found")
	ErrIntegrity  = errors.New("integrity check failed")
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrEmptyDescription  = errors.New("empty description")
	ErrEmptyCategory     = errors.New("empty category")
	ErrEmptyOwner        = errors.New("empty owner")
	ErrInvalidType       = errors.New("invalid transaction type")
	ErrInvalidCurrency   = errors.New("invalid currency code")
	ErrInvalidDate       = errors.New("invalid date")
	ErrDescriptionLength = errors.New("description too long (max 200 characters)")
)

// ValidationError reports malformed input. It is raised before any store access.
type ValidationError struct {
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Reason} }

// NewValidationError wraps reason for field.
func NewValidationError(field string, reason error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError is returned whenever a mutation presents a stale version. The
// stale write is never committed; Suggestion, when non-nil, is the resolver's
// merge of the incoming change onto the current state, which the caller may
// resubmit against CurrentVersion. Fields lists unresolved overlaps.
type ConflictError struct {
	Entity          string
	EntityID        string
	ExpectedVersion int64
	CurrentVersion  int64
	Fields          []string
	Suggestion      any
	// Note explains how Suggestion was produced, e.g. a last-writer-wins fallback.
	Note            string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("version conflict on %s %s: expected version %d, current %d",
		e.Entity, e.EntityID, e.ExpectedVersion, e.CurrentVersion)
	if len(e.Fields) > 0 {
		msg += " (conflicting fields: " + strings.Join(e.Fields, ", ") + ")"
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// LockHeldError means another actor holds a live soft lock.
type LockHeldError struct {
	EntityID string
	Holder   string
	Expiry   time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("entity %s locked by %s until %s", e.EntityID, e.Holder, e.Expiry.UTC().Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IntegrityError reports checksum mismatches or duplicate ids.
type IntegrityError struct {
	Expected string
	Actual   string
	Problems []string
}

func (e *IntegrityError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("integrity check failed: expected checksum %s, got %s", e.Expected, e.Actual)
	}
	return "integrity check failed: " + strings.Join(e.Problems, "; ")
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
