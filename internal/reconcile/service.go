package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"finledger/internal/cache"
	"finledger/internal/core"
	"finledger/internal/integrity"
	"finledger/internal/log"
	"finledger/internal/storage"
)

const (
	reportCacheSize = 128
	reportCacheTTL  = 10 * time.Minute
)

type Config struct {
	LargeTransaction core.Money
	Now              func() time.Time
	Logger           *log.Logger
}

type Service struct {
	repo    *storage.Repository
	large   core.Money
	now     func() time.Time
	logger  *log.Logger
	reports *cache.LRUCache[Report]
}

func NewService(repo *storage.Repository, cfg Config) *Service {
	s := &Service{
		repo:    repo,
		large:   cfg.LargeTransaction,
		now:     cfg.Now,
		logger:  cfg.Logger,
		reports: cache.NewLRUCache[Report](reportCacheSize, reportCacheTTL),
	}
	if s.large.IsZero() {
		s.large = DefaultLargeTransaction
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = log.New(log.DefaultConfig())
	}
	s.logger = s.logger.WithComponent(log.ComponentReconcile)
	return s
}

// ReportCache exposes the report cache so callers can register it for
// periodic expiry cleanup.
func (s *Service) ReportCache() cache.Cleaner { return s.reports }

// CreateBalanceSnapshot aggregates every live transaction dated on or
// before date.
func (s *Service) CreateBalanceSnapshot(ownerID string, txs []core.Transaction, date time.Time) core.BalanceSnapshot {
	included := filter(txs, time.Time{}, date)
	var totals core.Totals
	for _, t := range included {
		totals.Add(t)
	}
	return core.BalanceSnapshot{
		OwnerID:          ownerID,
		Date:             core.DayOf(date),
		Income:           totals.Income,
		Expenses:         totals.Expenses,
		Assets:           totals.Assets,
		Liabilities:      totals.Liabilities,
		NetWorth:         totals.NetWorth(),
		CashFlow:         totals.CashFlow(),
		TransactionCount: totals.Count,
		Checksum:         integrity.CollectionChecksum(included),
	}
}

// PeriodSummary counts the activity inside a report period.
type PeriodSummary struct {
	TransactionCount int                          `json:"transactionCount"`
	ByType           map[core.TransactionType]int `json:"byType"`
	Income           core.Money                   `json:"income"`
	Expenses         core.Money                   `json:"expenses"`
	NetChange        core.Money                   `json:"netChange"`
}

// Report is a statement-style period close.
type Report struct {
	PeriodStart    time.Time            `json:"periodStart"`
	PeriodEnd      time.Time            `json:"periodEnd"`
	Opening        core.BalanceSnapshot `json:"openingBalance"`
	Closing        core.BalanceSnapshot `json:"closingBalance"`
	Summary        PeriodSummary        `json:"summary"`
	Reconciliation Result               `json:"reconciliation"`
	GeneratedAt    time.Time            `json:"generatedAt"`
}

// GenerateReconciliationReport builds opening (end of the day before start)
// and closing (end of periodEnd) snapshots and reconciles the closing net
// worth against expectedClosing when given. Identical requests over an
// unchanged transaction set are served from cache.
func (s *Service) GenerateReconciliationReport(ownerID string, txs []core.Transaction, periodStart, periodEnd time.Time, expectedClosing *core.Money) (Report, error) {
	if periodEnd.Before(periodStart) {
		return Report{}, core.NewValidationError("periodEnd", core.ErrInvalidDate)
	}
	key := reportKey(ownerID, txs, periodStart, periodEnd, expectedClosing)
	if r, ok := s.reports.Get(key); ok {
		s.logger.Debug("Reconciliation report served from cache", log.FieldOwnerID, ownerID)
		return r, nil
	}

	r := Report{
		PeriodStart: core.DayOf(periodStart),
		PeriodEnd:   core.DayOf(periodEnd),
		GeneratedAt: s.now().UTC(),
	}
	// The sections only read txs, so they are built side by side.
	var g errgroup.Group
	g.Go(func() error {
		r.Opening = s.CreateBalanceSnapshot(ownerID, txs, r.PeriodStart.AddDate(0, 0, -1))
		return nil
	})
	g.Go(func() error {
		r.Closing = s.CreateBalanceSnapshot(ownerID, txs, periodEnd)
		return nil
	})
	g.Go(func() error {
		r.Summary = summarize(filter(txs, periodStart, periodEnd))
		r.Reconciliation = s.Reconcile(txs, expectedClosing, Options{End: periodEnd})
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	s.reports.Set(key, r)
	s.logger.Info("Reconciliation report generated",
		log.FieldOwnerID, ownerID,
		"period_start", r.PeriodStart.Format(core.DateLayout),
		"period_end", r.PeriodEnd.Format(core.DateLayout),
		"reconciled", r.Reconciliation.IsReconciled)
	return r, nil
}

func summarize(txs []core.Transaction) PeriodSummary {
	var totals core.Totals
	sum := PeriodSummary{ByType: map[core.TransactionType]int{}}
	for _, t := range txs {
		totals.Add(t)
		sum.ByType[t.Type]++
	}
	sum.TransactionCount = totals.Count
	sum.Income = totals.Income
	sum.Expenses = totals.Expenses
	sum.NetChange = totals.NetWorth()
	return sum
}

func reportKey(ownerID string, txs []core.Transaction, start, end time.Time, expected *core.Money) string {
	exp := "-"
	if expected != nil {
		exp = expected.String()
	}
	return strings.Join([]string{
		ownerID,
		core.DayOf(start).Format(core.DateLayout),
		core.DayOf(end).Format(core.DateLayout),
		integrity.CollectionChecksum(txs),
		deletedMarker(txs),
		exp,
	}, "|")
}

// deletedMarker distinguishes sets that differ only in soft-delete flags,
// which the collection checksum does not cover.
func deletedMarker(txs []core.Transaction) string {
	var b strings.Builder
	for _, t := range txs {
		if t.Deleted {
			b.WriteString(t.ID)
			b.WriteByte(',')
		}
	}
	return b.String()
}

// ReconcileOwner loads the owner's transactions and reconciles them.
func (s *Service) ReconcileOwner(ctx context.Context, ownerID string, expected *core.Money, opts Options) (Result, error) {
	txs, err := s.repo.ListTransactions(ctx, ownerID, time.Time{}, time.Time{}, false)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}
	return s.Reconcile(txs, expected, opts), nil
}

// ReportForOwner loads the owner's transactions and builds a period report.
func (s *Service) ReportForOwner(ctx context.Context, ownerID string, periodStart, periodEnd time.Time, expectedClosing *core.Money) (Report, error) {
	txs, err := s.repo.ListTransactions(ctx, ownerID, time.Time{}, periodEnd, false)
	if err != nil {
		return Report{}, fmt.Errorf("reconciliation report: %w", err)
	}
	return s.GenerateReconciliationReport(ownerID, txs, periodStart, periodEnd, expectedClosing)
}

// SaveSnapshot builds the owner's snapshot at date and persists it,
// replacing any earlier snapshot of the same day.
func (s *Service) SaveSnapshot(ctx context.Context, ownerID string, date time.Time) (core.BalanceSnapshot, error) {
	txs, err := s.repo.ListTransactions(ctx, ownerID, time.Time{}, date, false)
	if err != nil {
		return core.BalanceSnapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	snap := s.CreateBalanceSnapshot(ownerID, txs, date)
	if _, err := s.repo.SaveSnapshot(ctx, snap); err != nil {
		return core.BalanceSnapshot{}, err
	}
	return snap, nil
}
