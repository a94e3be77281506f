// Package core provides the domain types shared by every finledger component.
//
// This file contains the fixed-point Money type. Amounts are always held at
// two decimal places; arithmetic goes through shopspring/decimal so sums of
// many transactions never drift the way float64 sums do.
package core

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a non-localized fixed-point amount with two decimals.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{d: decimal.Zero}

// NewMoney builds a Money from an integer number of cents.
func NewMoney(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// MoneyFromFloat rounds f to two decimals. Use only at system edges (tests, JSON input).
func MoneyFromFloat(f float64) Money {
	return Money{d: decimal.NewFromFloat(f).Round(2)}
}

// MoneyFromDecimal rounds d to two decimals.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(2)}
}

// ParseMoney parses a decimal string into Money.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half away from zero on the third decimal place. Negative values and empty
// input are rejected; zero is allowed because a zero-amount transaction is
// still a valid record.
//
// Examples:
//
//	ParseMoney("12.34")  -> 12.34
//	ParseMoney("12,345") -> 12.35
//	ParseMoney("-1")     -> ErrInvalidAmount
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalidAmount
	}
	return Money{d: d.Round(2)}, nil
}

// Decimal exposes the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// Cents returns the amount in minor units.
func (m Money) Cents() int64 { return m.d.Shift(2).Round(0).IntPart() }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money { return Money{d: m.d.Abs()} }

func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Percent returns m/of*100 rounded to two decimals. A zero denominator yields
// 100 when m is positive and 0 otherwise, so an unfunded category that has any
// spending reads as fully used.
func (m Money) Percent(of Money) decimal.Decimal {
	if of.d.IsZero() {
		if m.d.IsPositive() {
			return decimal.NewFromInt(100)
		}
		return decimal.Zero
	}
	return m.d.Div(of.d).Mul(decimal.NewFromInt(100)).Round(2)
}

// String renders the amount with exactly two decimals ("230.00").
func (m Money) String() string { return m.d.StringFixed(2) }

// Float64 is for display only.
func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

// MarshalJSON encodes Money as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.d.StringFixed(2)), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := json.Unmarshal(b, &d); err != nil {
		return ErrInvalidAmount
	}
	m.d = d.Round(2)
	return nil
}

// SumMoney adds up a list of amounts.
func SumMoney(ms ...Money) Money {
	total := Zero
	for _, m := range ms {
		total = total.Add(m)
	}
	return total
}
