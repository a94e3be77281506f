// Package reconcile compares calculated balances against expected or
// external figures and explains the differences as structured issues.
// Nothing here is an error: a discrepancy is a report item.
package reconcile

import (
	"fmt"
	"time"

	"finledger/internal/core"
	"finledger/internal/integrity"
)

type AccountType string

const (
	AccountNetWorth    AccountType = ""
	AccountCash        AccountType = "cash"
	AccountAssets      AccountType = "assets"
	AccountLiabilities AccountType = "liabilities"
)

type IssueType string

const (
	IssueBalanceDiscrepancy IssueType = "BALANCE_DISCREPANCY"
	IssueMissingTransaction IssueType = "MISSING_TRANSACTION"
	IssueFutureTransaction  IssueType = "FUTURE_TRANSACTION"
	IssueLargeTransaction   IssueType = "LARGE_TRANSACTION"
)

var (
	// tolerance below which balances are considered equal.
	tolerance = core.NewMoney(1)

	highDiscrepancy     = core.NewMoney(100_00)
	criticalDiscrepancy = core.NewMoney(1000_00)

	// DefaultLargeTransaction is the advisory threshold for single amounts.
	DefaultLargeTransaction = core.NewMoney(10000_00)
)

type Issue struct {
	Type          IssueType          `json:"type"`
	Severity      integrity.Severity `json:"severity"`
	Message       string             `json:"message"`
	TransactionID string             `json:"transactionId,omitempty"`
	Amount        core.Money         `json:"amount"`
	Date          time.Time          `json:"date,omitempty"`
	Discrepancy   core.Money         `json:"discrepancy"`
}

type Options struct {
	Start       time.Time
	End         time.Time
	AccountType AccountType
}

type Result struct {
	IsReconciled      bool        `json:"isReconciled"`
	CalculatedBalance core.Money  `json:"calculatedBalance"`
	ExpectedBalance   *core.Money `json:"expectedBalance,omitempty"`
	Discrepancy       core.Money  `json:"discrepancy"`
	TransactionCount  int         `json:"transactionCount"`
	Issues            []Issue     `json:"issues"`
	Recommendations   []string    `json:"recommendations"`
}

// Reconcile computes the balance of txs for opts.AccountType and compares it
// with expected when given. Deleted transactions never count.
func (s *Service) Reconcile(txs []core.Transaction, expected *core.Money, opts Options) Result {
	var totals core.Totals
	res := Result{Issues: []Issue{}, Recommendations: []string{}, Discrepancy: core.Zero}
	today := core.DayOf(s.now())

	for _, t := range filter(txs, opts.Start, opts.End) {
		totals.Add(t)
		if core.DayOf(t.Date).After(today) {
			res.Issues = append(res.Issues, Issue{
				Type: IssueFutureTransaction, Severity: integrity.SeverityLow, TransactionID: t.ID,
				Amount: t.Amount, Date: t.Date,
				Message: fmt.Sprintf("transaction %s is dated %s, in the future", t.ID, t.Date.Format(core.DateLayout)),
			})
		}
		if t.Amount.GreaterThan(s.large) {
			res.Issues = append(res.Issues, Issue{
				Type: IssueLargeTransaction, Severity: integrity.SeverityLow, TransactionID: t.ID,
				Amount: t.Amount, Date: t.Date,
				Message: fmt.Sprintf("transaction %s of %s exceeds %s; verify it", t.ID, t.Amount, s.large),
			})
		}
	}
	res.TransactionCount = totals.Count
	res.CalculatedBalance = balance(totals, opts.AccountType)
	res.IsReconciled = true

	if expected != nil {
		exp := *expected
		res.ExpectedBalance = &exp
		diff := res.CalculatedBalance.Sub(exp)
		res.Discrepancy = diff.Abs()
		if res.Discrepancy.GreaterThan(tolerance) {
			res.IsReconciled = false
			res.Issues = append(res.Issues, Issue{
				Type:        IssueBalanceDiscrepancy,
				Severity:    discrepancySeverity(res.Discrepancy),
				Discrepancy: res.Discrepancy,
				Message: fmt.Sprintf("calculated balance %s differs from expected %s by %s",
					res.CalculatedBalance, exp, res.Discrepancy),
			})
			if diff.IsNegative() {
				res.Recommendations = append(res.Recommendations,
					fmt.Sprintf("Balance is %s lower than expected: check for missing income or deposits", res.Discrepancy),
					"Look for expenses recorded twice")
			} else {
				res.Recommendations = append(res.Recommendations,
					fmt.Sprintf("Balance is %s higher than expected: check for missing expenses or withdrawals", res.Discrepancy),
					"Look for income recorded twice")
			}
		}
	}
	for _, is := range res.Issues {
		if is.Type == IssueFutureTransaction {
			res.Recommendations = append(res.Recommendations, "Review future-dated transactions; they are included in the balance")
			break
		}
	}
	return res
}

func balance(t core.Totals, account AccountType) core.Money {
	switch account {
	case AccountCash:
		return t.CashFlow()
	case AccountAssets:
		return t.Assets
	case AccountLiabilities:
		return t.Liabilities
	default:
		return t.NetWorth()
	}
}

func discrepancySeverity(d core.Money) integrity.Severity {
	switch {
	case d.GreaterThan(criticalDiscrepancy):
		return integrity.SeverityCritical
	case d.GreaterThan(highDiscrepancy):
		return integrity.SeverityHigh
	default:
		return integrity.SeverityMedium
	}
}

// filter keeps live transactions dated within [start, end] by day. Zero
// bounds are open.
func filter(txs []core.Transaction, start, end time.Time) []core.Transaction {
	out := make([]core.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.Deleted {
			continue
		}
		d := core.DayOf(t.Date)
		if !start.IsZero() && d.Before(core.DayOf(start)) {
			continue
		}
		if !end.IsZero() && d.After(core.DayOf(end)) {
			continue
		}
		out = append(out, t)
	}
	return out
}
