package budget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"finledger/internal/core"
)

const maxSuggestions = 3

// PreviewInput is a transaction the user is still composing.
type PreviewInput struct {
	Type       core.TransactionType `json:"type"`
	Amount     core.Money           `json:"amount"`
	CategoryID string               `json:"categoryId"`
	Date       time.Time            `json:"date"`
}

type Preview struct {
	Impacts     []core.BudgetImpact `json:"impacts"`
	Warnings    []string            `json:"warnings"`
	Suggestions []string            `json:"suggestions"`
}

// Preview computes what creating in would do to the user's budgets without
// persisting anything. Only malformed input is an error; budget problems
// come back as warnings.
func (e *Engine) Preview(ctx context.Context, in PreviewInput, userID string) (Preview, error) {
	if strings.TrimSpace(userID) == "" {
		return Preview{}, core.NewValidationError("userId", core.ErrEmptyOwner)
	}
	if in.Amount.IsNegative() {
		return Preview{}, core.NewValidationError("amount", core.ErrInvalidAmount)
	}
	if strings.TrimSpace(in.CategoryID) == "" {
		return Preview{}, core.NewValidationError("categoryId", core.ErrEmptyCategory)
	}
	if in.Type == "" {
		in.Type = core.Expense
	}
	if !in.Type.IsValid() {
		return Preview{}, core.NewValidationError("type", core.ErrInvalidType)
	}
	if in.Date.IsZero() {
		in.Date = e.now()
	}

	out := Preview{Impacts: []core.BudgetImpact{}, Warnings: []string{}, Suggestions: []string{}}
	if in.Type != core.Expense {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s transactions do not affect budgets", in.Type))
		return out, nil
	}

	snap, err := e.Load(ctx, userID, false)
	if err != nil {
		return Preview{}, err
	}

	t := core.Transaction{
		OwnerID: userID, Type: in.Type, Amount: in.Amount, CategoryID: in.CategoryID, Date: in.Date,
	}
	impacted := map[string]bool{}
	overBudget := false
	for _, b := range sortedBudgets(snap.Budgets) {
		impacts := ComputeImpact(t, b, snap.Categories)
		for _, imp := range impacts {
			impacted[imp.CategoryID] = true
			switch {
			case imp.IsOverBudget:
				overBudget = true
				out.Warnings = append(out.Warnings, fmt.Sprintf("This will exceed the %s budget by %s",
					imp.CategoryName, imp.NewSpent.Sub(imp.Allocated)))
			case imp.PercentageUsed >= float64(e.warnPct):
				out.Warnings = append(out.Warnings, fmt.Sprintf("This will use %.0f%% of the %s budget",
					imp.PercentageUsed, imp.CategoryName))
			}
		}
		out.Impacts = append(out.Impacts, impacts...)
	}

	if len(out.Impacts) == 0 {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("Category %s is not tracked by any active budget", in.CategoryID))
	}
	if overBudget || len(out.Impacts) == 0 {
		out.Suggestions = suggest(snap, in.Date, impacted)
	}
	return out, nil
}

// suggest lists active categories with spare allocation, largest first.
func suggest(snap Snapshot, date time.Time, exclude map[string]bool) []string {
	var spare []core.BudgetCategory
	for _, c := range snap.Categories {
		b, ok := snap.Budgets[c.BudgetID]
		if !ok || !b.Contains(date) || exclude[c.ID] {
			continue
		}
		if c.Remaining().GreaterThan(core.Zero) {
			spare = append(spare, c)
		}
	}
	sort.SliceStable(spare, func(i, j int) bool {
		return spare[i].Remaining().GreaterThan(spare[j].Remaining())
	})
	out := []string{}
	for i, c := range spare {
		if i == maxSuggestions {
			break
		}
		out = append(out, fmt.Sprintf("%s has %s remaining", c.Name, c.Remaining()))
	}
	return out
}

func sortedBudgets(m map[string]core.Budget) []core.Budget {
	out := make([]core.Budget, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
