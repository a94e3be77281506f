package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finledger/internal/core"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"day", "2024-03-15", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339", "2024-03-15T10:30:00Z", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), false},
		{"empty is zero", "  ", time.Time{}, false},
		{"invalid", "15/03/2024", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDate("date", tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, core.ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEndDate(t *testing.T) {
	got, err := parseEndDate("to", "2024-03-31")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 31, 23, 59, 59, 999999999, time.UTC); !got.Equal(want) {
		t.Errorf("day bound = %v, want %v", got, want)
	}

	exact := "2024-03-31T12:00:00Z"
	got, err = parseEndDate("to", exact)
	if err != nil || !got.Equal(time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp bound = %v (%v), want unchanged", got, err)
	}
}

func TestExpectedVersion(t *testing.T) {
	tests := []struct {
		name    string
		ifMatch string
		body    int64
		want    int64
		wantErr bool
	}{
		{"body only", "", 4, 4, false},
		{"header wins", `"7"`, 4, 7, false},
		{"bare header", "7", 0, 7, false},
		{"weak or garbage header", `W/"abc"`, 4, 0, true},
		{"zero header", `"0"`, 4, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/transactions/t1", nil)
			if tt.ifMatch != "" {
				req.Header.Set("If-Match", tt.ifMatch)
			}
			got, err := expectedVersion(req, tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    error
		wantAmount string
	}{
		{"number amount", `{"amount":12.5}`, nil, "12.50"},
		{"string amount", `{"amount":"12.345"}`, nil, "12.35"},
		{"empty body", ``, nil, "0.00"},
		{"bad amount", `{"amount":"twelve"}`, core.ErrValidation, ""},
		{"unknown field", `{"amount":1,"extra":1}`, errMalformedBody, ""},
		{"trailing data", `{"amount":1}{"amount":2}`, errMalformedBody, ""},
		{"not json", `amount=1`, errMalformedBody, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(tt.body))
			var body createTransactionBody
			err := decodeJSON(req, &body)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := body.Amount.String(); got != tt.wantAmount {
				t.Errorf("amount = %s, want %s", got, tt.wantAmount)
			}
		})
	}
}

func TestActorFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := actorFrom(req); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error without header, got %v", err)
	}
	req.Header.Set(HeaderUserID, " alice\x00 ")
	actor, err := actorFrom(req)
	if err != nil || actor != "alice" {
		t.Fatalf("actor = %q, err = %v", actor, err)
	}
}

func TestUpdateBodyPatch(t *testing.T) {
	date := "2024-03-20"
	currency := "usd"
	desc := "  Lunch\x07 "
	b := updateTransactionBody{Changes: transactionChanges{Date: &date, Currency: &currency, Description: &desc}}

	p, err := b.patch()
	if err != nil {
		t.Fatal(err)
	}
	if p.Date == nil || !p.Date.Equal(core.NewDate(2024, 3, 20)) {
		t.Errorf("date = %v", p.Date)
	}
	if *p.Currency != "USD" || *p.Description != "Lunch" {
		t.Errorf("currency=%q description=%q", *p.Currency, *p.Description)
	}
	if p.Amount != nil || p.CategoryID != nil || p.Deleted != nil {
		t.Error("unset changes must stay nil")
	}

	empty := ""
	if _, err := (updateTransactionBody{Changes: transactionChanges{Date: &empty}}).patch(); !errors.Is(err, core.ErrValidation) {
		t.Errorf("clearing the date must be rejected, got %v", err)
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := map[string]string{
		"  hello  ":        "hello",
		"tab\tkept":        "tab\tkept",
		"bell\x07removed":  "bellremoved",
		"null\x00byte":     "nullbyte",
		"line\nbreak kept": "line\nbreak kept",
	}
	for in, want := range tests {
		if got := sanitizeInput(in); got != want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", in, got, want)
		}
	}
}
