// Package budget computes how transaction mutations move budget category
// totals, and the alerts those movements raise.
//
// Spent can be maintained two ways. Delta adjusts the stored total by the
// amounts entering and leaving the category; FullRecompute re-sums every
// matching transaction of the budget period. Both share Matches, so they can
// only disagree when the stored total has already drifted.
package budget

import (
	"fmt"

	"finledger/internal/core"
)

// Op is the kind of transaction mutation being applied.
type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpRestore Op = "restore"
)

// Change is a transaction mutation. Prev is nil on create.
type Change struct {
	Op   Op
	Prev *core.Transaction
	Next *core.Transaction
}

func (c Change) OwnerID() string {
	if c.Next != nil {
		return c.Next.OwnerID
	}
	if c.Prev != nil {
		return c.Prev.OwnerID
	}
	return ""
}

// Matches reports whether t counts toward category c of budget b: a live
// expense whose category id maps into c, dated within b's period.
func Matches(c core.BudgetCategory, b core.Budget, t *core.Transaction) bool {
	if t == nil || t.Deleted || t.Type != core.Expense {
		return false
	}
	return c.BudgetID == b.ID && c.Maps(t.CategoryID) && b.Contains(t.Date)
}

// RecomputeStrategy derives a category's spent after a change. after is the
// owner's live transaction set with the change already applied; strategies
// that do not need it may ignore it.
type RecomputeStrategy interface {
	Name() string
	NeedsTransactions() bool
	Spent(c core.BudgetCategory, b core.Budget, change Change, after []core.Transaction) core.Money
}

// Delta applies the amounts leaving and entering the category to the stored total.
type Delta struct{}

func (Delta) Name() string            { return "delta" }
func (Delta) NeedsTransactions() bool { return false }

func (Delta) Spent(c core.BudgetCategory, b core.Budget, change Change, _ []core.Transaction) core.Money {
	spent := c.Spent
	if Matches(c, b, change.Prev) {
		spent = spent.Sub(change.Prev.Amount)
	}
	if Matches(c, b, change.Next) {
		spent = spent.Add(change.Next.Amount)
	}
	return spent
}

// FullRecompute re-sums every matching transaction in the budget period.
type FullRecompute struct{}

func (FullRecompute) Name() string            { return "full" }
func (FullRecompute) NeedsTransactions() bool { return true }

func (FullRecompute) Spent(c core.BudgetCategory, b core.Budget, _ Change, after []core.Transaction) core.Money {
	return SumMatching(c, b, after)
}

// SumMatching totals the transactions in txs that count toward c.
func SumMatching(c core.BudgetCategory, b core.Budget, txs []core.Transaction) core.Money {
	total := core.Zero
	for i := range txs {
		if Matches(c, b, &txs[i]) {
			total = total.Add(txs[i].Amount)
		}
	}
	return total
}

// recomputeStrategies maps strategy names to implementations.
var recomputeStrategies = map[string]RecomputeStrategy{
	Delta{}.Name():         Delta{},
	FullRecompute{}.Name(): FullRecompute{},
}

// GetStrategy returns the registered strategy for name.
func GetStrategy(name string) (RecomputeStrategy, error) {
	s, ok := recomputeStrategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown recompute strategy: %s", name)
	}
	return s, nil
}

// RegisterStrategy adds or replaces a named strategy.
func RegisterStrategy(s RecomputeStrategy) {
	recomputeStrategies[s.Name()] = s
}

// Strategies selects a strategy per mutation kind. Missing entries fall
// back to FullRecompute.
type Strategies map[Op]RecomputeStrategy

// DefaultStrategies recomputes from scratch for every mutation kind.
func DefaultStrategies() Strategies {
	return Strategies{
		OpCreate:  FullRecompute{},
		OpUpdate:  FullRecompute{},
		OpDelete:  FullRecompute{},
		OpRestore: FullRecompute{},
	}
}

// StrategiesFromNames resolves configured names, e.g. {"create": "delta"}.
func StrategiesFromNames(names map[Op]string) (Strategies, error) {
	out := DefaultStrategies()
	for op, name := range names {
		if name == "" {
			continue
		}
		s, err := GetStrategy(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[op] = s
	}
	return out, nil
}

func (s Strategies) For(op Op) RecomputeStrategy {
	if st, ok := s[op]; ok && st != nil {
		return st
	}
	return FullRecompute{}
}

// applyChange returns txs with change applied by id. Deleted results are
// kept; Matches skips them.
func applyChange(txs []core.Transaction, change Change) []core.Transaction {
	out := make([]core.Transaction, 0, len(txs)+1)
	var id string
	if change.Next != nil {
		id = change.Next.ID
	} else if change.Prev != nil {
		id = change.Prev.ID
	}
	replaced := false
	for _, t := range txs {
		if t.ID == id {
			if change.Next != nil && !replaced {
				out = append(out, *change.Next)
				replaced = true
			}
			continue
		}
		out = append(out, t)
	}
	if change.Next != nil && !replaced {
		out = append(out, *change.Next)
	}
	return out
}
