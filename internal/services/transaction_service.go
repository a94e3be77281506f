// Package services hosts the transaction mutation facade: the one entry point
// that validates a change, commits it together with the budget state and
// audit entry derived from it, and announces the result.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"finledger/internal/audit"
	"finledger/internal/budget"
	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/events"
	"finledger/internal/integrity"
	"finledger/internal/locking"
	"finledger/internal/log"
	"finledger/internal/reconcile"
	"finledger/internal/storage"
)

// Stage names one step of the mutation pipeline. Every stage is logged.
type Stage string

const (
	StageValidate      Stage = "VALIDATE"
	StageLockCheck     Stage = "LOCK_CHECK"
	StageImpactCompute Stage = "IMPACT_COMPUTE"
	StageAtomicCommit  Stage = "ATOMIC_COMMIT"
	StagePostCommit    Stage = "POST_COMMIT"
)

// ConflictStrategy selects how a stale update is turned into a suggestion.
type ConflictStrategy string

const (
	StrategyDefault    ConflictStrategy = ""
	StrategyMerge      ConflictStrategy = "merge"
	StrategyMergeOrLWW ConflictStrategy = "merge-or-lww"
	StrategyReject     ConflictStrategy = "reject"
)

const DefaultLockTTL = 5 * time.Minute

var (
	ErrActorRequired      = errors.New("actor required")
	ErrTransactionDeleted = errors.New("transaction is deleted")
	ErrVersionRequired    = errors.New("expected version required")
	ErrForeignOwner       = errors.New("actor may not write for this owner")
)

// AccessPolicy reports whether actor may read or change data owned by
// ownerID.
type AccessPolicy func(actor, ownerID string) bool

// SameOwner only lets users touch their own data.
func SameOwner(actor, ownerID string) bool {
	return actor != "" && actor == ownerID
}

type Options struct {
	Now     func() time.Time
	LockTTL time.Duration
	Logger  *log.Logger
	// Access defaults to SameOwner.
	Access AccessPolicy
}

// MutationResult is what a committed (or no-op) mutation reports back.
type MutationResult struct {
	Transaction core.Transaction    `json:"transaction"`
	Impacts     []core.BudgetImpact `json:"impacts"`
	Alerts      []core.BudgetAlert  `json:"alerts"`
	AuditID     string              `json:"auditId,omitempty"`
	Warnings    []string            `json:"warnings"`
	Unchanged   bool                `json:"unchanged,omitempty"`
}

type CreateRequest struct {
	// ID is generated when empty.
	ID string
	// OwnerID defaults to the acting user and must be accessible to them.
	OwnerID     string
	Type        core.TransactionType
	Amount      core.Money
	Currency    string
	CategoryID  string
	Date        time.Time
	Description string
	Metadata    core.AuditMetadata
}

type UpdateRequest struct {
	ID              string
	ExpectedVersion int64
	Patch           core.TransactionPatch
	Strategy        ConflictStrategy
	Metadata        core.AuditMetadata
}

type DeleteRequest struct {
	ID              string
	ExpectedVersion int64
	Metadata        core.AuditMetadata
}

type AllocationRequest struct {
	CategoryID      string
	ExpectedVersion int64
	Allocated       core.Money
	// Strategy defaults to StrategyReject: allocation edits never merge.
	Strategy ConflictStrategy
	Metadata core.AuditMetadata
}

// TransactionService runs every mutation through
// VALIDATE → LOCK_CHECK → IMPACT_COMPUTE → ATOMIC_COMMIT → POST_COMMIT.
// The transaction write, the budget category updates, the alerts and the
// audit entry commit in one batch or not at all.
type TransactionService struct {
	repo       *storage.Repository
	txs        *locking.Manager[core.Transaction, core.TransactionPatch]
	categories *locking.Manager[core.BudgetCategory, core.CategoryPatch]
	engine     *budget.Engine
	auditor    *audit.Auditor
	reconciler *reconcile.Service
	verifier   *integrity.Verifier
	bus        *events.Bus
	access     AccessPolicy
	now        func() time.Time
	lockTTL    time.Duration
	logger     *log.Logger
	structured *log.StructuredLogger
}

func NewTransactionService(repo *storage.Repository, engine *budget.Engine, auditor *audit.Auditor, reconciler *reconcile.Service, bus *events.Bus, opts Options) *TransactionService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}
	if opts.Access == nil {
		opts.Access = SameOwner
	}
	lockOpts := locking.Options{Now: opts.Now, Logger: opts.Logger}

	txKind := locking.TransactionKind()
	catKind := locking.CategoryKind()
	return &TransactionService{
		repo: repo,
		txs: locking.NewManager(repo.Store(), txKind,
			locking.HistoryBases(repo, txKind, func(t core.Transaction) string { return t.OwnerID }), lockOpts),
		categories: locking.NewManager(repo.Store(), catKind,
			locking.HistoryBases(repo, catKind, func(c core.BudgetCategory) string { return c.OwnerID }), lockOpts),
		engine:     engine,
		auditor:    auditor,
		reconciler: reconciler,
		verifier:   integrity.NewVerifier(opts.Now),
		bus:        bus,
		access:     opts.Access,
		now:        opts.Now,
		lockTTL:    opts.LockTTL,
		logger:     opts.Logger.WithComponent(log.ComponentTransaction),
		structured: log.NewStructuredLogger(opts.Logger),
	}
}

// TransactionLocks is the advisory editing lock over transactions.
func (s *TransactionService) TransactionLocks() locking.AdvisoryLock { return s.txs }

// CategoryLocks is the advisory editing lock over budget categories.
func (s *TransactionService) CategoryLocks() locking.AdvisoryLock { return s.categories }

func (s *TransactionService) LockTTL() time.Duration { return s.lockTTL }

// CanAccess applies the service's access policy.
func (s *TransactionService) CanAccess(actor, ownerID string) bool {
	return s.access(actor, ownerID)
}

// ownsTransaction hides transactions the actor may not touch behind
// *core.NotFoundError, the same answer a read gets.
func (s *TransactionService) ownsTransaction(actor string) func(core.Transaction) error {
	return func(t core.Transaction) error {
		if !s.access(actor, t.OwnerID) {
			return &core.NotFoundError{Entity: s.txs.Kind().Name, ID: t.ID}
		}
		return nil
	}
}

func (s *TransactionService) ownsCategory(actor string) func(core.BudgetCategory) error {
	return func(c core.BudgetCategory) error {
		if !s.access(actor, c.OwnerID) {
			return &core.NotFoundError{Entity: s.categories.Kind().Name, ID: c.ID}
		}
		return nil
	}
}

func (s *TransactionService) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	return s.txs.Load(ctx, id)
}

func (s *TransactionService) GetCategory(ctx context.Context, id string) (core.BudgetCategory, error) {
	return s.categories.Load(ctx, id)
}

func (s *TransactionService) CreateTransaction(ctx context.Context, actor string, req CreateRequest) (MutationResult, error) {
	stage := StageValidate
	tx := core.Transaction{
		ID:          req.ID,
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		Amount:      req.Amount,
		Currency:    req.Currency,
		CategoryID:  strings.TrimSpace(req.CategoryID),
		Date:        req.Date,
		Description: req.Description,
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.OwnerID == "" {
		tx.OwnerID = actor
	}
	if tx.Currency == "" {
		tx.Currency = core.DefaultCurrency
	}
	s.trace(ctx, stage, log.OpCreate, tx.ID, 0, actor)
	if err := requireActor(actor); err != nil {
		return MutationResult{}, s.abort(ctx, stage, log.OpCreate, tx.ID, err)
	}
	if !s.access(actor, tx.OwnerID) {
		return MutationResult{}, s.abort(ctx, stage, log.OpCreate, tx.ID, core.NewValidationError("ownerId", ErrForeignOwner))
	}
	if err := tx.Validate(); err != nil {
		return MutationResult{}, s.abort(ctx, stage, log.OpCreate, tx.ID, err)
	}

	// A new id carries no lock; the must-not-exist precondition on the
	// insert rejects a reused id.
	stage = StageLockCheck
	s.trace(ctx, stage, log.OpCreate, tx.ID, 0, actor)

	var out MutationResult
	created, err := s.txs.Create(ctx, tx, actor, func(ctx context.Context, b docstore.Batch, next core.Transaction) error {
		return s.stageChange(ctx, b, &stage, budget.Change{Op: budget.OpCreate, Next: &next},
			core.ActionCreate, nil, actor, req.Metadata, &out)
	})
	if err != nil {
		return MutationResult{}, s.abort(ctx, stage, log.OpCreate, tx.ID, err)
	}
	out.Transaction = created
	s.postCommit(ctx, budget.OpCreate, actor, out)
	return out, nil
}

func (s *TransactionService) UpdateTransaction(ctx context.Context, actor string, req UpdateRequest) (MutationResult, error) {
	stage := StageValidate
	s.trace(ctx, stage, log.OpUpdate, req.ID, req.ExpectedVersion, actor)
	resolver, err := resolverFor[core.Transaction, core.TransactionPatch](req.Strategy, locking.FieldMerge[core.Transaction, core.TransactionPatch])
	if err == nil {
		err = validateTarget(actor, req.ID, req.ExpectedVersion)
	}
	if err == nil {
		err = validatePatch(req.Patch)
	}
	if err != nil {
		return MutationResult{}, s.abort(ctx, stage, log.OpUpdate, req.ID, err)
	}
	// Soft deletion has its own operations and audit actions.
	patch := req.Patch.Without(core.FieldDeleted)

	return s.mutate(ctx, &stage, budget.OpUpdate, core.ActionUpdate, actor, locking.Mutation[core.Transaction, core.TransactionPatch]{
		ID:              req.ID,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actor,
		Resolver:        resolver,
		Mutator: func(cur core.Transaction) (core.Transaction, error) {
			if cur.Deleted {
				return cur, core.NewValidationError("id", ErrTransactionDeleted)
			}
			next := patch.Apply(cur)
			if err := next.Validate(); err != nil {
				return cur, err
			}
			return next, nil
		},
	}, req.Metadata)
}

// DeleteTransaction soft-deletes a transaction. Deleting an already deleted
// transaction is a no-op.
func (s *TransactionService) DeleteTransaction(ctx context.Context, actor string, req DeleteRequest) (MutationResult, error) {
	return s.setDeleted(ctx, actor, req, true)
}

// RestoreTransaction reverses a soft delete and puts the amount back into
// every budget category it matches.
func (s *TransactionService) RestoreTransaction(ctx context.Context, actor string, req DeleteRequest) (MutationResult, error) {
	return s.setDeleted(ctx, actor, req, false)
}

func (s *TransactionService) setDeleted(ctx context.Context, actor string, req DeleteRequest, deleted bool) (MutationResult, error) {
	op, action := budget.OpDelete, core.ActionDelete
	if !deleted {
		op, action = budget.OpRestore, core.ActionRestore
	}
	stage := StageValidate
	s.trace(ctx, stage, string(op), req.ID, req.ExpectedVersion, actor)
	if err := validateTarget(actor, req.ID, req.ExpectedVersion); err != nil {
		return MutationResult{}, s.abort(ctx, stage, string(op), req.ID, err)
	}

	return s.mutate(ctx, &stage, op, action, actor, locking.Mutation[core.Transaction, core.TransactionPatch]{
		ID:              req.ID,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actor,
		Resolver:        locking.Reject[core.Transaction, core.TransactionPatch],
		Mutator: func(cur core.Transaction) (core.Transaction, error) {
			cur.Deleted = deleted
			return cur, nil
		},
	}, req.Metadata)
}

func (s *TransactionService) mutate(ctx context.Context, stage *Stage, op budget.Op, action core.AuditAction, actor string, mut locking.Mutation[core.Transaction, core.TransactionPatch], meta core.AuditMetadata) (MutationResult, error) {
	*stage = StageLockCheck
	s.trace(ctx, *stage, string(op), mut.ID, mut.ExpectedVersion, actor)
	mut.Authorize = s.ownsTransaction(actor)
	cur, err := s.txs.Load(ctx, mut.ID)
	if err == nil {
		err = mut.Authorize(cur)
	}
	if err == nil {
		_, err = s.txs.Check(ctx, mut.ID, actor)
	}
	if err != nil {
		return MutationResult{}, s.abort(ctx, *stage, string(op), mut.ID, err)
	}

	var out MutationResult
	mut.Stage = func(ctx context.Context, b docstore.Batch, prev, next core.Transaction, patch core.TransactionPatch) error {
		return s.stageChange(ctx, b, stage, budget.Change{Op: op, Prev: &prev, Next: &next},
			action, patch.Changes(prev), actor, meta, &out)
	}
	res, err := s.txs.Mutate(ctx, mut)
	if err != nil {
		return MutationResult{}, s.abort(ctx, *stage, string(op), mut.ID, err)
	}
	if res.Unchanged {
		s.logger.InfoContext(ctx, "Mutation produced no changes",
			log.FieldOperation, string(op), log.FieldTransactionID, mut.ID, log.FieldVersion, res.Entity.Version)
		return MutationResult{Transaction: res.Entity, Unchanged: true}, nil
	}
	out.Transaction = res.Entity
	s.postCommit(ctx, op, actor, out)
	return out, nil
}

// stageChange adds the budget and audit side of change to b. It runs inside
// the lock manager's attempt loop, so the plan is recomputed from fresh
// state whenever a co-located write raced.
func (s *TransactionService) stageChange(ctx context.Context, b docstore.Batch, stage *Stage, change budget.Change, action core.AuditAction, changes []core.FieldChange, actor string, meta core.AuditMetadata, out *MutationResult) error {
	next := *change.Next
	*stage = StageImpactCompute
	s.trace(ctx, *stage, string(change.Op), next.ID, next.Version, actor)
	plan, err := s.engine.Plan(ctx, change)
	if err != nil {
		return fmt.Errorf("compute budget impact: %w", err)
	}

	*stage = StageAtomicCommit
	for _, u := range plan.Updates {
		b.Update(storage.BudgetCategories, u.After.ID, storage.CategorySpentFields(u.After),
			docstore.IfVersion(u.Before.Version))
	}
	// An empty update keeps the version guard without bumping the version.
	for _, c := range plan.Unchanged {
		b.Update(storage.BudgetCategories, c.ID, docstore.Fields{}, docstore.IfVersion(c.Version))
	}
	for _, a := range plan.Alerts {
		b.Set(storage.BudgetAlerts, a.ID, storage.AlertFields(a), docstore.IfAbsent())
	}

	rec := audit.Record{
		Action:     action,
		ActorID:    actor,
		OwnerID:    next.OwnerID,
		EntityType: s.txs.Kind().Name,
		EntityID:   next.ID,
		Changes:    changes,
		NewState:   storage.TransactionFields(next),
		Metadata:   meta,
	}
	if change.Prev != nil {
		rec.PreviousState = storage.TransactionFields(*change.Prev)
	}
	entry := s.auditor.Stage(b, rec)

	*out = MutationResult{
		Transaction: next,
		Impacts:     nonNil(plan.Impacts),
		Alerts:      nonNil(plan.Alerts),
		AuditID:     entry.ID,
		Warnings:    s.warnings(next, plan),
	}
	s.trace(ctx, *stage, string(change.Op), next.ID, next.Version, actor)
	return nil
}

func (s *TransactionService) warnings(t core.Transaction, plan budget.Plan) []string {
	out := []string{}
	if !t.Deleted && t.IsFutureDated(s.now()) {
		out = append(out, fmt.Sprintf("Transaction is dated in the future (%s)", t.Date.UTC().Format(core.DateLayout)))
	}
	if plan.Unmapped {
		out = append(out, fmt.Sprintf("Category %q is not tracked by any active budget", t.CategoryID))
	}
	return out
}

// postCommit announces a committed mutation. Failures here never undo or
// fail the mutation.
func (s *TransactionService) postCommit(ctx context.Context, op budget.Op, actor string, res MutationResult) {
	t := res.Transaction
	s.trace(ctx, StagePostCommit, string(op), t.ID, t.Version, actor)
	s.structured.LogMutationCommitted(ctx, string(op), t.ID, t.Version, actor, len(res.Impacts))
	if s.bus == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	ev := events.MutationEvent{
		Op:            string(op),
		OwnerID:       t.OwnerID,
		TransactionID: t.ID,
		Version:       t.Version,
		ActorID:       actor,
		Timestamp:     s.now().UTC(),
	}
	seen := map[string]bool{}
	for _, im := range res.Impacts {
		ev.CategoryIDs = append(ev.CategoryIDs, im.CategoryID)
		if !seen[im.BudgetID] {
			seen[im.BudgetID] = true
			ev.BudgetIDs = append(ev.BudgetIDs, im.BudgetID)
		}
	}
	s.bus.PublishMutation(ctx, ev)
	for _, a := range res.Alerts {
		s.bus.PublishAlert(ctx, events.AlertEventFrom(a))
	}
}

// UpdateCategoryAllocation changes a budget category's allocation. A stale
// ExpectedVersion, including one made stale by spending recorded since the
// caller read the category, fails with *core.ConflictError.
func (s *TransactionService) UpdateCategoryAllocation(ctx context.Context, actor string, req AllocationRequest) (core.BudgetCategory, error) {
	const op = "allocate"
	stage := StageValidate
	s.trace(ctx, stage, op, req.CategoryID, req.ExpectedVersion, actor)
	resolver, err := resolverFor[core.BudgetCategory, core.CategoryPatch](req.Strategy, locking.Reject[core.BudgetCategory, core.CategoryPatch])
	if err == nil {
		err = validateTarget(actor, req.CategoryID, req.ExpectedVersion)
	}
	if err == nil && req.Allocated.IsNegative() {
		err = core.NewValidationError("allocated", core.ErrInvalidAmount)
	}
	if err != nil {
		return core.BudgetCategory{}, s.abort(ctx, stage, op, req.CategoryID, err)
	}

	stage = StageLockCheck
	s.trace(ctx, stage, op, req.CategoryID, req.ExpectedVersion, actor)
	res, err := s.categories.Mutate(ctx, locking.Mutation[core.BudgetCategory, core.CategoryPatch]{
		ID:              req.CategoryID,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actor,
		Resolver:        resolver,
		Authorize:       s.ownsCategory(actor),
		Mutator: func(c core.BudgetCategory) (core.BudgetCategory, error) {
			c.Allocated = req.Allocated
			return c, nil
		},
		Stage: func(ctx context.Context, b docstore.Batch, prev, next core.BudgetCategory, patch core.CategoryPatch) error {
			stage = StageAtomicCommit
			s.auditor.Stage(b, audit.Record{
				Action:        core.ActionUpdate,
				ActorID:       actor,
				OwnerID:       next.OwnerID,
				EntityType:    s.categories.Kind().Name,
				EntityID:      next.ID,
				PreviousState: storage.CategoryFields(prev),
				NewState:      storage.CategoryFields(next),
				Metadata:      req.Metadata,
			})
			return nil
		},
	})
	if err != nil {
		return core.BudgetCategory{}, s.abort(ctx, stage, op, req.CategoryID, err)
	}
	if !res.Unchanged {
		s.structured.LogMutationCommitted(ctx, op, res.Entity.ID, res.Entity.Version, actor, 1)
	}
	return res.Entity, nil
}

// PreviewBudgetImpact reports what creating in would do, persisting nothing.
func (s *TransactionService) PreviewBudgetImpact(ctx context.Context, actor string, in budget.PreviewInput) (budget.Preview, error) {
	return s.engine.Preview(ctx, in, actor)
}

func (s *TransactionService) Reconcile(ctx context.Context, ownerID string, expected *core.Money, opts reconcile.Options) (reconcile.Result, error) {
	if err := requireActor(ownerID); err != nil {
		return reconcile.Result{}, err
	}
	return s.reconciler.ReconcileOwner(ctx, ownerID, expected, opts)
}

func (s *TransactionService) GenerateReconciliationReport(ctx context.Context, ownerID string, start, end time.Time, expectedClosing *core.Money) (reconcile.Report, error) {
	if err := requireActor(ownerID); err != nil {
		return reconcile.Report{}, err
	}
	return s.reconciler.ReportForOwner(ctx, ownerID, start, end, expectedClosing)
}

// FindMissingTransactions reports external entries with no recorded
// counterpart among the owner's live transactions.
func (s *TransactionService) FindMissingTransactions(ctx context.Context, ownerID string, external []reconcile.ExternalEntry) ([]reconcile.Issue, error) {
	if err := requireActor(ownerID); err != nil {
		return nil, err
	}
	recorded, err := s.repo.ListTransactions(ctx, ownerID, time.Time{}, time.Time{}, false)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return reconcile.FindMissingTransactions(recorded, external), nil
}

// VerifyIntegrity checks the owner's live transactions against expected
// (skipped when empty) and every budget category's stored spent against a
// recomputation.
func (s *TransactionService) VerifyIntegrity(ctx context.Context, ownerID, expected string) (integrity.Result, error) {
	return s.verify(ctx, ownerID, expected, false)
}

// RequireIntegrity is VerifyIntegrity that fails with *core.IntegrityError
// when the transaction collection has hard issues.
func (s *TransactionService) RequireIntegrity(ctx context.Context, ownerID, expected string) (integrity.Result, error) {
	return s.verify(ctx, ownerID, expected, true)
}

func (s *TransactionService) verify(ctx context.Context, ownerID, expected string, strict bool) (integrity.Result, error) {
	snap, err := s.engine.Load(ctx, ownerID, true)
	if err != nil {
		return integrity.Result{}, err
	}
	var res integrity.Result
	if strict {
		if res, err = s.verifier.MustVerify(snap.Transactions, expected); err != nil {
			return res, err
		}
	} else {
		res = s.verifier.VerifyCollection(snap.Transactions, expected)
	}
	for _, c := range snap.Categories {
		b, ok := snap.Budgets[c.BudgetID]
		if !ok {
			continue
		}
		if issue := integrity.VerifyBudgetCategory(c, b, snap.Transactions); issue != nil {
			res.Issues = append(res.Issues, *issue)
			res.IsValid = res.IsValid && !issue.Hard
		}
	}
	return res, nil
}

// AuditTrail returns the owner's audit entries with timestamps in [from, to].
func (s *TransactionService) AuditTrail(ctx context.Context, ownerID string, from, to time.Time) ([]core.AuditEntry, error) {
	return s.auditor.Trail(ctx, ownerID, from, to)
}

// EntityHistory returns every audit entry of one entity, oldest first.
func (s *TransactionService) EntityHistory(ctx context.Context, ownerID, entityID string) ([]core.AuditEntry, error) {
	if err := requireActor(ownerID); err != nil {
		return nil, err
	}
	return s.auditor.History(ctx, ownerID, entityID)
}

func (s *TransactionService) Alerts(ctx context.Context, ownerID string, unreadOnly bool) ([]core.BudgetAlert, error) {
	if err := requireActor(ownerID); err != nil {
		return nil, err
	}
	return s.repo.ListAlerts(ctx, ownerID, unreadOnly)
}

// SaveBalanceSnapshot persists the owner's balances as of date.
func (s *TransactionService) SaveBalanceSnapshot(ctx context.Context, ownerID string, date time.Time) (core.BalanceSnapshot, error) {
	if err := requireActor(ownerID); err != nil {
		return core.BalanceSnapshot{}, err
	}
	if date.IsZero() {
		date = s.now()
	}
	return s.reconciler.SaveSnapshot(ctx, ownerID, date)
}

// AuditSignals returns advisory suspicious-activity signals over the
// owner's audit entries from the last window.
func (s *TransactionService) AuditSignals(ctx context.Context, ownerID string, window time.Duration) ([]audit.Signal, error) {
	if err := requireActor(ownerID); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, core.NewValidationError("window", errors.New("must be positive"))
	}
	entries, err := s.auditor.Trail(ctx, ownerID, s.now().Add(-window), time.Time{})
	if err != nil {
		return nil, err
	}
	return s.auditor.DetectSuspiciousActivity(entries, window), nil
}

// AuditSummary digests the owner's audit trail in [from, to], keeping the
// limit most recent entries.
func (s *TransactionService) AuditSummary(ctx context.Context, ownerID string, from, to time.Time, limit int) (audit.Summary, error) {
	if err := requireActor(ownerID); err != nil {
		return audit.Summary{}, err
	}
	entries, err := s.auditor.Trail(ctx, ownerID, from, to)
	if err != nil {
		return audit.Summary{}, err
	}
	return audit.GenerateSummary(entries, limit), nil
}

// ExportAudit writes the owner's audit trail in [from, to] as CSV.
func (s *TransactionService) ExportAudit(ctx context.Context, ownerID string, from, to time.Time, w io.Writer) error {
	if err := requireActor(ownerID); err != nil {
		return err
	}
	entries, err := s.auditor.Trail(ctx, ownerID, from, to)
	if err != nil {
		return err
	}
	return audit.ExportCSV(w, entries)
}

func (s *TransactionService) trace(ctx context.Context, stage Stage, op, id string, version int64, actor string) {
	s.logger.DebugContext(ctx, "Mutation stage",
		log.NewFields().WithStage(string(stage)).WithOperation(op).WithTransaction(id, version, actor).ToSlice()...)
}

func (s *TransactionService) abort(ctx context.Context, stage Stage, op, id string, err error) error {
	level := s.logger.WarnContext
	if !isExpected(err) {
		level = s.logger.ErrorContext
	}
	level(ctx, "Mutation aborted",
		log.FieldStage, string(stage), log.FieldOperation, op, log.FieldTransactionID, id, log.FieldError, err)
	return err
}

// isExpected reports errors caused by the caller rather than the system.
func isExpected(err error) bool {
	return errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrConflict) ||
		errors.Is(err, core.ErrLockHeld) || errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return core.NewValidationError("actor", ErrActorRequired)
	}
	return nil
}

func validateTarget(actor, id string, version int64) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return core.NewValidationError("id", errors.New("id required"))
	}
	if version <= 0 {
		return core.NewValidationError("version", ErrVersionRequired)
	}
	return nil
}

// validatePatch checks the values a patch sets without reading the store:
// it applies the patch to a known-valid transaction and validates that.
func validatePatch(p core.TransactionPatch) error {
	sample := core.Transaction{
		OwnerID:    "sample",
		Type:       core.Expense,
		Currency:   core.DefaultCurrency,
		CategoryID: "sample",
		Date:       core.NewDate(2000, 1, 1),
	}
	return p.Apply(sample).Validate()
}

func resolverFor[T any, P locking.Patch[P, T]](s ConflictStrategy, fallback locking.Resolver[T, P]) (locking.Resolver[T, P], error) {
	switch s {
	case StrategyDefault:
		return fallback, nil
	case StrategyMerge:
		return locking.FieldMerge[T, P], nil
	case StrategyMergeOrLWW:
		return locking.FieldMergeOrLastWriterWins[T, P], nil
	case StrategyReject:
		return locking.Reject[T, P], nil
	}
	return nil, core.NewValidationError("strategy", fmt.Errorf("unknown conflict strategy %q", s))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
