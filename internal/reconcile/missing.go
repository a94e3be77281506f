package reconcile

import (
	"fmt"
	"sort"
	"time"

	"finledger/internal/core"
	"finledger/internal/integrity"
)

const matchWindow = 3 * 24 * time.Hour

var highMissing = core.NewMoney(1000_00)

// ExternalEntry is one line of a bank or card statement.
type ExternalEntry struct {
	Date        time.Time  `json:"date"`
	Amount      core.Money `json:"amount"`
	Description string     `json:"description"`
}

// FindMissingTransactions pairs each external entry with an unused recorded
// transaction of the same amount (within 0.01) dated within three days, the
// closest date first. Entries left unpaired become MISSING_TRANSACTION
// issues, HIGH when the amount exceeds 1000.
func FindMissingTransactions(recorded []core.Transaction, external []ExternalEntry) []Issue {
	live := filter(recorded, time.Time{}, time.Time{})
	used := make([]bool, len(live))
	out := []Issue{}

	for _, e := range external {
		best := -1
		var bestGap time.Duration
		for i, t := range live {
			if used[i] || t.Amount.Sub(e.Amount).Abs().GreaterThan(tolerance) {
				continue
			}
			gap := absDuration(core.DayOf(t.Date).Sub(core.DayOf(e.Date)))
			if gap > matchWindow {
				continue
			}
			if best == -1 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best >= 0 {
			used[best] = true
			continue
		}

		sev := integrity.SeverityMedium
		if e.Amount.GreaterThan(highMissing) {
			sev = integrity.SeverityHigh
		}
		out = append(out, Issue{
			Type: IssueMissingTransaction, Severity: sev, Amount: e.Amount, Date: e.Date,
			Message: fmt.Sprintf("statement entry %q of %s on %s has no recorded transaction",
				e.Description, e.Amount, e.Date.Format(core.DateLayout)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
