package core

import "time"

// BalanceSnapshot is a point-in-time aggregate over a user's transactions.
// It is derived and disposable: callers may discard and regenerate it.
type BalanceSnapshot struct {
	OwnerID          string    `json:"ownerId,omitempty"`
	Date             time.Time `json:"date"`
	Income           Money     `json:"income"`
	Expenses         Money     `json:"expenses"`
	Assets           Money     `json:"assets"`
	Liabilities      Money     `json:"liabilities"`
	NetWorth         Money     `json:"netWorth"`
	CashFlow         Money     `json:"cashFlow"`
	TransactionCount int       `json:"transactionCount"`
	Checksum         string    `json:"checksum"`
}

// Totals accumulates amounts by transaction type.
type Totals struct {
	Income      Money
	Expenses    Money
	Assets      Money
	Liabilities Money
	Count       int
}

// Add accumulates t into the totals.
func (tt *Totals) Add(t Transaction) {
	switch t.Type {
	case Income:
		tt.Income = tt.Income.Add(t.Amount)
	case Expense:
		tt.Expenses = tt.Expenses.Add(t.Amount)
	case Asset:
		tt.Assets = tt.Assets.Add(t.Amount)
	case Liability:
		tt.Liabilities = tt.Liabilities.Add(t.Amount)
	}
	tt.Count++
}

// NetWorth is (income + assets) - (expenses + liabilities).
func (tt Totals) NetWorth() Money {
	return tt.Income.Add(tt.Assets).Sub(tt.Expenses.Add(tt.Liabilities))
}

// CashFlow is income - expenses.
func (tt Totals) CashFlow() Money {
	return tt.Income.Sub(tt.Expenses)
}
