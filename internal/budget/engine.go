package budget

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"finledger/internal/core"
	"finledger/internal/log"
	"finledger/internal/storage"
)

const DefaultWarningPercent = 80

// CategoryUpdate pairs a category's stored state with its recomputed state.
type CategoryUpdate struct {
	Before core.BudgetCategory
	After  core.BudgetCategory
}

// Plan is the budget side of one transaction mutation, ready to be staged
// into the mutation's batch.
type Plan struct {
	Updates []CategoryUpdate
	// Unchanged are matched categories whose spent stays the same. They are
	// not rewritten, but the commit must still see them at these versions.
	Unchanged []core.BudgetCategory
	Impacts []core.BudgetImpact
	Alerts  []core.BudgetAlert
	// Unmapped is set for expenses no budget category tracks.
	Unmapped bool
}

type Config struct {
	Strategies     Strategies
	WarningPercent int
	Now            func() time.Time
	Logger         *log.Logger
}

type Engine struct {
	repo       *storage.Repository
	strategies Strategies
	warnPct    int
	now        func() time.Time
	logger     *log.Logger
}

func NewEngine(repo *storage.Repository, cfg Config) *Engine {
	e := &Engine{
		repo:       repo,
		strategies: cfg.Strategies,
		warnPct:    cfg.WarningPercent,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if e.strategies == nil {
		e.strategies = DefaultStrategies()
	}
	if e.warnPct <= 0 {
		e.warnPct = DefaultWarningPercent
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = log.New(log.DefaultConfig())
	}
	e.logger = e.logger.WithComponent(log.ComponentBudget)
	return e
}

// Snapshot is an owner's budget state loaded in one pass.
type Snapshot struct {
	Budgets      map[string]core.Budget
	Categories   []core.BudgetCategory
	Transactions []core.Transaction
}

// Load reads budgets alongside categories and (optionally) the owner's live
// transactions. Transactions are read strictly after categories: a
// transaction committed in between bumps the version of every category it
// touches, so a plan built from this snapshot fails its category version
// precondition instead of overwriting that commit's spent.
func (e *Engine) Load(ctx context.Context, ownerID string, withTransactions bool) (Snapshot, error) {
	var (
		budgets []core.Budget
		snap    Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		budgets, err = e.repo.ListBudgets(gctx, ownerID)
		return err
	})
	g.Go(func() error {
		var err error
		if snap.Categories, err = e.repo.ListCategories(gctx, ownerID); err != nil || !withTransactions {
			return err
		}
		snap.Transactions, err = e.repo.ListTransactions(gctx, ownerID, time.Time{}, time.Time{}, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("load budget state: %w", err)
	}
	snap.Budgets = make(map[string]core.Budget, len(budgets))
	for _, b := range budgets {
		snap.Budgets[b.ID] = b
	}
	sort.Slice(snap.Categories, func(i, j int) bool { return snap.Categories[i].ID < snap.Categories[j].ID })
	return snap, nil
}

// Plan computes the category updates, impacts and alerts of change.
func (e *Engine) Plan(ctx context.Context, change Change) (Plan, error) {
	strategy := e.strategies.For(change.Op)
	snap, err := e.Load(ctx, change.OwnerID(), strategy.NeedsTransactions())
	if err != nil {
		return Plan{}, err
	}
	return e.PlanWith(snap, change, strategy), nil
}

// PlanWith is Plan over already loaded state.
func (e *Engine) PlanWith(snap Snapshot, change Change, strategy RecomputeStrategy) Plan {
	var after []core.Transaction
	if strategy.NeedsTransactions() {
		after = applyChange(snap.Transactions, change)
	}

	var plan Plan
	now := e.now().UTC()
	for _, c := range snap.Categories {
		b, ok := snap.Budgets[c.BudgetID]
		if !ok {
			continue
		}
		if !Matches(c, b, change.Prev) && !Matches(c, b, change.Next) {
			continue
		}

		updated := c
		updated.Spent = strategy.Spent(c, b, change, after)
		if updated.Spent.Equal(c.Spent) {
			plan.Unchanged = append(plan.Unchanged, c)
			continue
		}
		updated.Version = c.Version + 1
		updated.UpdatedAt = now
		plan.Updates = append(plan.Updates, CategoryUpdate{Before: c, After: updated})

		impact := impactOf(c, updated)
		plan.Impacts = append(plan.Impacts, impact)
		if alert, ok := e.alertFor(updated, now); ok {
			plan.Alerts = append(plan.Alerts, alert)
		}
	}

	if change.Next != nil && change.Next.Type == core.Expense && !change.Next.Deleted &&
		len(plan.Updates) == 0 && len(plan.Unchanged) == 0 {
		plan.Unmapped = !e.tracked(snap, change.Next)
	}

	e.logger.Debug("Budget plan computed",
		"op", change.Op, "strategy", strategy.Name(),
		"impacted_categories", len(plan.Updates), "alerts", len(plan.Alerts))
	return plan
}

// ComputeImpact is the create-time impact of t on the categories of budget b,
// without touching storage.
func ComputeImpact(t core.Transaction, b core.Budget, categories []core.BudgetCategory) []core.BudgetImpact {
	var out []core.BudgetImpact
	for _, c := range categories {
		if !Matches(c, b, &t) {
			continue
		}
		updated := c
		updated.Spent = c.Spent.Add(t.Amount)
		out = append(out, impactOf(c, updated))
	}
	return out
}

// Recompute returns c's authoritative spent from the owner's live transactions.
func (e *Engine) Recompute(ctx context.Context, c core.BudgetCategory) (core.Money, error) {
	b, err := e.repo.GetBudget(ctx, c.BudgetID)
	if err != nil {
		return core.Zero, err
	}
	txs, err := e.repo.ListTransactions(ctx, c.OwnerID, b.PeriodStart, b.PeriodEnd, false)
	if err != nil {
		return core.Zero, err
	}
	return SumMatching(c, b, txs), nil
}

// Drift is a category whose stored spent disagrees with its transactions.
type Drift struct {
	Category core.BudgetCategory
	Expected core.Money
}

// FindDrift compares every category of owner against a full recompute.
func (e *Engine) FindDrift(ctx context.Context, ownerID string) ([]Drift, error) {
	snap, err := e.Load(ctx, ownerID, true)
	if err != nil {
		return nil, err
	}
	var out []Drift
	for _, c := range snap.Categories {
		b, ok := snap.Budgets[c.BudgetID]
		if !ok {
			continue
		}
		expected := SumMatching(c, b, snap.Transactions)
		if !expected.Equal(c.Spent) {
			out = append(out, Drift{Category: c, Expected: expected})
		}
	}
	return out, nil
}

func (e *Engine) tracked(snap Snapshot, t *core.Transaction) bool {
	for _, c := range snap.Categories {
		if !c.Maps(t.CategoryID) {
			continue
		}
		if b, ok := snap.Budgets[c.BudgetID]; ok && b.Contains(t.Date) {
			return true
		}
	}
	return false
}

func impactOf(before, after core.BudgetCategory) core.BudgetImpact {
	return core.BudgetImpact{
		BudgetID:       after.BudgetID,
		CategoryID:     after.ID,
		CategoryName:   after.Name,
		PreviousSpent:  before.Spent,
		NewSpent:       after.Spent,
		Allocated:      after.Allocated,
		Remaining:      after.Remaining(),
		PercentageUsed: after.PercentageUsed(),
		IsOverBudget:   after.IsOverBudget(),
	}
}

// alertFor returns at most one alert for c: over budget wins over
// approaching the limit.
func (e *Engine) alertFor(c core.BudgetCategory, now time.Time) (core.BudgetAlert, bool) {
	alert := core.BudgetAlert{
		ID:         uuid.NewString(),
		OwnerID:    c.OwnerID,
		BudgetID:   c.BudgetID,
		CategoryID: c.ID,
		Current:    c.Spent,
		Allocated:  c.Allocated,
		CreatedAt:  now,
	}
	switch {
	case c.IsOverBudget():
		alert.Type = core.AlertOverBudget
		alert.Severity = core.SeverityError
		alert.Threshold = 100
		alert.Message = fmt.Sprintf("%s is over budget by %s (spent %s of %s)",
			c.Name, c.Spent.Sub(c.Allocated), c.Spent, c.Allocated)
	case c.PercentageUsed() >= float64(e.warnPct):
		alert.Type = core.AlertApproachingLimit
		alert.Severity = core.SeverityWarning
		alert.Threshold = e.warnPct
		alert.Message = fmt.Sprintf("%s has used %.0f%% of its budget (spent %s of %s)",
			c.Name, c.PercentageUsed(), c.Spent, c.Allocated)
	default:
		return core.BudgetAlert{}, false
	}
	return alert, true
}
