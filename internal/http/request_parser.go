// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request
// data: JSON bodies, the acting user, dates and expected versions.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"finledger/internal/core"
	"finledger/internal/services"
)

const (
	// HeaderUserID identifies the acting user; authentication happens
	// upstream.
	HeaderUserID = "X-User-ID"

	maxBodyBytes = 1 << 20
)

var errMalformedBody = errors.New("malformed request body")

// actorFrom returns the acting user or a validation error when absent.
func actorFrom(r *http.Request) (string, error) {
	actor := sanitizeInput(r.Header.Get(HeaderUserID))
	if actor == "" {
		return "", core.NewValidationError("actor", services.ErrActorRequired)
	}
	return actor, nil
}

// decodeJSON reads one JSON document into v, rejecting unknown fields and
// trailing data. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, core.ErrInvalidAmount) {
			return core.NewValidationError("amount", core.ErrInvalidAmount)
		}
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errMalformedBody)
	}
	return nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty string is the zero time.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(core.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, core.NewValidationError(field, core.ErrInvalidDate)
	}
	return t, nil
}

// parseEndDate is parseDate for inclusive upper bounds: a bare day means
// the end of that day.
func parseEndDate(field, s string) (time.Time, error) {
	t, err := parseDate(field, s)
	if err != nil || t.IsZero() {
		return t, err
	}
	if _, dayOnly := time.Parse(core.DateLayout, strings.TrimSpace(s)); dayOnly == nil {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return t, nil
}

// expectedVersion prefers an If-Match header over the body value.
func expectedVersion(r *http.Request, fromBody int64) (int64, error) {
	h := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if h == "" {
		return fromBody, nil
	}
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v <= 0 {
		return 0, core.NewValidationError("version", services.ErrVersionRequired)
	}
	return v, nil
}

// parseBool reads a query flag; anything unparsable is false.
func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// sanitizeInput removes control characters except tab, newline and
// carriage return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

func metadata(source, reason string) core.AuditMetadata {
	if source = sanitizeInput(source); source == "" {
		source = "api"
	}
	return core.AuditMetadata{Source: source, Reason: sanitizeInput(reason)}
}

type createTransactionBody struct {
	ID          string               `json:"id"`
	OwnerID     string               `json:"ownerId"`
	Type        core.TransactionType `json:"type"`
	Amount      core.Money           `json:"amount"`
	Currency    string               `json:"currency"`
	CategoryID  string               `json:"categoryId"`
	Date        string               `json:"date"`
	Description string               `json:"description"`
	Source      string               `json:"source"`
	Reason      string               `json:"reason"`
}

func (b createTransactionBody) request() (services.CreateRequest, error) {
	date, err := parseDate("date", b.Date)
	if err != nil {
		return services.CreateRequest{}, err
	}
	return services.CreateRequest{
		ID:          sanitizeInput(b.ID),
		OwnerID:     sanitizeInput(b.OwnerID),
		Type:        b.Type,
		Amount:      b.Amount,
		Currency:    strings.ToUpper(sanitizeInput(b.Currency)),
		CategoryID:  sanitizeInput(b.CategoryID),
		Date:        date,
		Description: sanitizeInput(b.Description),
		Metadata:    metadata(b.Source, b.Reason),
	}, nil
}

type transactionChanges struct {
	Type        *core.TransactionType `json:"type"`
	Amount      *core.Money           `json:"amount"`
	Currency    *string               `json:"currency"`
	CategoryID  *string               `json:"categoryId"`
	Date        *string               `json:"date"`
	Description *string               `json:"description"`
}

type updateTransactionBody struct {
	ExpectedVersion int64              `json:"expectedVersion"`
	Strategy        string             `json:"strategy"`
	Changes         transactionChanges `json:"changes"`
	Source          string             `json:"source"`
	Reason          string             `json:"reason"`
}

func (b updateTransactionBody) patch() (core.TransactionPatch, error) {
	c := b.Changes
	p := core.TransactionPatch{Type: c.Type, Amount: c.Amount}
	if c.Currency != nil {
		v := strings.ToUpper(sanitizeInput(*c.Currency))
		p.Currency = &v
	}
	if c.CategoryID != nil {
		v := sanitizeInput(*c.CategoryID)
		p.CategoryID = &v
	}
	if c.Description != nil {
		v := sanitizeInput(*c.Description)
		p.Description = &v
	}
	if c.Date != nil {
		d, err := parseDate("date", *c.Date)
		if err != nil {
			return core.TransactionPatch{}, err
		}
		if d.IsZero() {
			return core.TransactionPatch{}, core.NewValidationError("date", core.ErrInvalidDate)
		}
		p.Date = &d
	}
	return p, nil
}

type versionBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Source          string `json:"source"`
	Reason          string `json:"reason"`
}

type allocationBody struct {
	ExpectedVersion int64      `json:"expectedVersion"`
	Allocated       core.Money `json:"allocated"`
	Strategy        string     `json:"strategy"`
	Source          string     `json:"source"`
	Reason          string     `json:"reason"`
}

type previewBody struct {
	Type       core.TransactionType `json:"type"`
	Amount     core.Money           `json:"amount"`
	CategoryID string               `json:"categoryId"`
	Date       string               `json:"date"`
}

type reconcileBody struct {
	ExpectedBalance *core.Money `json:"expectedBalance"`
	Start           string      `json:"start"`
	End             string      `json:"end"`
	AccountType     string      `json:"accountType"`
}

type reportBody struct {
	PeriodStart     string      `json:"periodStart"`
	PeriodEnd       string      `json:"periodEnd"`
	ExpectedClosing *core.Money `json:"expectedClosing"`
}

type externalEntryBody struct {
	Date        string     `json:"date"`
	Amount      core.Money `json:"amount"`
	Description string     `json:"description"`
}

type missingBody struct {
	Entries []externalEntryBody `json:"entries"`
}

type snapshotBody struct {
	Date string `json:"date"`
}
