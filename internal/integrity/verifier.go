// Package integrity computes deterministic checksums over transactions and
// reports anomalies in a collection. It never repairs anything.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"finledger/internal/budget"
	"finledger/internal/core"
)

type IssueType string

const (
	IssueChecksumMismatch   IssueType = "CHECKSUM_MISMATCH"
	IssueDuplicateID        IssueType = "DUPLICATE_ID"
	IssueFutureDate         IssueType = "FUTURE_DATE"
	IssueAncientDate        IssueType = "ANCIENT_DATE"
	IssueMissingDate        IssueType = "MISSING_DATE"
	IssueSuspectedDuplicate IssueType = "SUSPECTED_DUPLICATE"
	IssueBalanceDiscrepancy IssueType = "BALANCE_DISCREPANCY"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// maxAge bounds how old a transaction date may plausibly be.
const maxAge = 50

type Issue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	IDs      []string  `json:"ids,omitempty"`
	Message  string    `json:"message"`
	// Hard issues fail MustVerify; the rest are advisory.
	Hard     bool      `json:"hard"`
}

type Result struct {
	IsValid        bool    `json:"isValid"`
	ActualChecksum string  `json:"actualChecksum"`
	Issues         []Issue `json:"issues"`
}

// Checksum is the SHA-256 hex digest of t's canonical encoding.
func Checksum(t core.Transaction) string {
	sum := sha256.Sum256([]byte(canonical(t)))
	return hex.EncodeToString(sum[:])
}

func canonical(t core.Transaction) string {
	return strings.Join([]string{
		t.ID,
		string(t.Type),
		t.Amount.String(),
		t.CategoryID,
		core.DayOf(t.Date).Format(core.DateLayout),
		t.Description,
	}, "|")
}

// CollectionChecksum digests the per-entity checksums of txs sorted by id,
// so any permutation of the same set yields the same value.
func CollectionChecksum(txs []core.Transaction) string {
	sorted := append([]core.Transaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return canonical(sorted[i]) < canonical(sorted[j])
	})
	h := sha256.New()
	for _, t := range sorted {
		h.Write([]byte(Checksum(t)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verifier checks collections relative to a clock.
type Verifier struct {
	now func() time.Time
}

func NewVerifier(now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{now: now}
}

// VerifyCollection computes the collection checksum, compares it with
// expected when non-empty, and collects every issue found. Duplicate ids
// are reported regardless of the checksum outcome.
func (v *Verifier) VerifyCollection(txs []core.Transaction, expected string) Result {
	res := Result{ActualChecksum: CollectionChecksum(txs), Issues: []Issue{}}
	if expected != "" && expected != res.ActualChecksum {
		res.Issues = append(res.Issues, Issue{
			Type: IssueChecksumMismatch, Severity: SeverityCritical, Hard: true,
			Message: fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, res.ActualChecksum),
		})
	}
	res.Issues = append(res.Issues, FindDuplicateIDs(txs)...)
	res.Issues = append(res.Issues, FindDateAnomalies(txs, v.now())...)
	res.Issues = append(res.Issues, FindSuspectedDuplicates(txs)...)

	res.IsValid = true
	for _, is := range res.Issues {
		if is.Hard {
			res.IsValid = false
		}
	}
	return res
}

// MustVerify returns an IntegrityError when the collection has hard issues.
func (v *Verifier) MustVerify(txs []core.Transaction, expected string) (Result, error) {
	res := v.VerifyCollection(txs, expected)
	if res.IsValid {
		return res, nil
	}
	err := &core.IntegrityError{Expected: expected, Actual: res.ActualChecksum}
	for _, is := range res.Issues {
		if is.Hard {
			err.Problems = append(err.Problems, is.Message)
		}
	}
	return res, err
}

func FindDuplicateIDs(txs []core.Transaction) []Issue {
	seen := map[string]int{}
	for _, t := range txs {
		seen[t.ID]++
	}
	var ids []string
	for id, n := range seen {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Issue, 0, len(ids))
	for _, id := range ids {
		out = append(out, Issue{
			Type: IssueDuplicateID, Severity: SeverityCritical, IDs: []string{id}, Hard: true,
			Message: fmt.Sprintf("id %s appears %d times", id, seen[id]),
		})
	}
	return out
}

// FindDateAnomalies flags zero, future and implausibly old dates.
func FindDateAnomalies(txs []core.Transaction, now time.Time) []Issue {
	var out []Issue
	today := core.DayOf(now)
	oldest := today.AddDate(-maxAge, 0, 0)
	for _, t := range txs {
		switch {
		case t.Date.IsZero():
			out = append(out, Issue{Type: IssueMissingDate, Severity: SeverityMedium, IDs: []string{t.ID},
				Message: fmt.Sprintf("transaction %s has no date", t.ID)})
		case core.DayOf(t.Date).After(today):
			out = append(out, Issue{Type: IssueFutureDate, Severity: SeverityLow, IDs: []string{t.ID},
				Message: fmt.Sprintf("transaction %s is dated in the future (%s)", t.ID, t.Date.Format(core.DateLayout))})
		case t.Date.Before(oldest):
			out = append(out, Issue{Type: IssueAncientDate, Severity: SeverityMedium, IDs: []string{t.ID},
				Message: fmt.Sprintf("transaction %s is older than %d years", t.ID, maxAge)})
		}
	}
	return out
}

// FindSuspectedDuplicates groups transactions of the same owner, type,
// amount, day and description recorded under different ids.
func FindSuspectedDuplicates(txs []core.Transaction) []Issue {
	groups := map[string][]string{}
	var keys []string
	for _, t := range txs {
		if t.Deleted {
			continue
		}
		k := strings.Join([]string{t.OwnerID, string(t.Type), t.Amount.String(),
			core.DayOf(t.Date).Format(core.DateLayout), strings.ToLower(strings.TrimSpace(t.Description))}, "|")
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], t.ID)
	}
	var out []Issue
	for _, k := range keys {
		ids := uniq(groups[k])
		if len(ids) < 2 {
			continue
		}
		out = append(out, Issue{Type: IssueSuspectedDuplicate, Severity: SeverityLow, IDs: ids,
			Message: fmt.Sprintf("transactions %s look like duplicates", strings.Join(ids, ", "))})
	}
	return out
}

// VerifyBudgetCategory compares c's stored spent with the sum of txs that
// count toward it. It returns nil when they agree.
func VerifyBudgetCategory(c core.BudgetCategory, b core.Budget, txs []core.Transaction) *Issue {
	expected := budget.SumMatching(c, b, txs)
	if expected.Equal(c.Spent) {
		return nil
	}
	return &Issue{
		Type: IssueBalanceDiscrepancy, Severity: SeverityHigh, IDs: []string{c.ID},
		Message: fmt.Sprintf("category %s records spent %s but its transactions sum to %s", c.Name, c.Spent, expected),
	}
}

func uniq(ids []string) []string {
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	return out
}
