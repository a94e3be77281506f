package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"finledger/internal/audit"
	"finledger/internal/budget"
	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/events"
	"finledger/internal/locking"
	"finledger/internal/log"
	"finledger/internal/storage"
)

// RepairActor is recorded as the actor of drift corrections.
const RepairActor = "system:drift-repair"

// RepairCategory recomputes one budget category's spent from its
// transactions and commits the correction when it differs. The category is
// read before the transactions, so any transaction commit in between bumps
// the category version and the correction fails with *core.ConflictError
// instead of writing a stale total.
func (s *TransactionService) RepairCategory(ctx context.Context, categoryID string) (bool, error) {
	c, err := s.categories.Load(ctx, categoryID)
	if err != nil {
		return false, err
	}
	b, err := s.repo.GetBudget(ctx, c.BudgetID)
	if err != nil {
		return false, err
	}
	txs, err := s.repo.ListTransactions(ctx, c.OwnerID, time.Time{}, time.Time{}, false)
	if err != nil {
		return false, err
	}
	expected := budget.SumMatching(c, b, txs)
	if expected.Equal(c.Spent) {
		return false, nil
	}

	res, err := s.categories.Mutate(ctx, locking.Mutation[core.BudgetCategory, core.CategoryPatch]{
		ID:              c.ID,
		ExpectedVersion: c.Version,
		Actor:           RepairActor,
		Resolver:        locking.Reject[core.BudgetCategory, core.CategoryPatch],
		Mutator: func(cur core.BudgetCategory) (core.BudgetCategory, error) {
			cur.Spent = expected
			return cur, nil
		},
		Stage: func(ctx context.Context, b docstore.Batch, prev, next core.BudgetCategory, _ core.CategoryPatch) error {
			s.auditor.Stage(b, audit.Record{
				Action:        core.ActionUpdate,
				ActorID:       RepairActor,
				OwnerID:       next.OwnerID,
				EntityType:    s.categories.Kind().Name,
				EntityID:      next.ID,
				PreviousState: storage.CategoryFields(prev),
				NewState:      storage.CategoryFields(next),
				Metadata:      core.AuditMetadata{Source: "drift-repair", Reason: "spent recomputed from transactions"},
			})
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	s.logger.WarnContext(ctx, "Budget category drift repaired",
		log.FieldCategoryID, c.ID, log.FieldBudgetID, c.BudgetID,
		"stored", c.Spent.String(), "recomputed", expected.String(), log.FieldVersion, res.Entity.Version)
	return !res.Unchanged, nil
}

// DriftRepairerConfig holds configuration for the drift repairer
type DriftRepairerConfig struct {
	// SweepInterval is how often every known owner is re-checked (default: 5m)
	SweepInterval time.Duration

	// QueueSize bounds pending recalculation signals (default: 256)
	QueueSize int

	// MaxRetries is how many times a category is re-read after a conflict (default: 3)
	MaxRetries int
}

// DefaultDriftRepairerConfig returns sensible defaults
func DefaultDriftRepairerConfig() DriftRepairerConfig {
	return DriftRepairerConfig{
		SweepInterval: 5 * time.Minute,
		QueueSize:     256,
		MaxRetries:    3,
	}
}

// DriftRepairer is the background reconciliation pass: it receives
// recalculation signals for owners, periodically sweeps every owner it has
// seen, and commits corrected budget totals through the lock manager.
type DriftRepairer struct {
	svc    *TransactionService
	engine *budget.Engine
	config DriftRepairerConfig
	logger *log.Logger

	signals chan string
	known   sync.Map

	// Lifecycle management
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	doneCh   chan struct{}
}

func NewDriftRepairer(svc *TransactionService, engine *budget.Engine, config DriftRepairerConfig, logger *log.Logger) *DriftRepairer {
	defaults := DefaultDriftRepairerConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &DriftRepairer{
		svc:     svc,
		engine:  engine,
		config:  config,
		logger:  logger.WithComponent(log.ComponentWorker),
		signals: make(chan string, config.QueueSize),
	}
}

// Signal asks for ownerID to be checked. It never blocks: when the queue is
// full the signal is dropped and the next sweep covers the owner.
func (r *DriftRepairer) Signal(ownerID string) {
	if ownerID == "" {
		return
	}
	r.known.Store(ownerID, struct{}{})
	select {
	case r.signals <- ownerID:
	default:
		r.logger.Debug("Recalculation queue full, deferring to sweep", log.FieldOwnerID, ownerID)
	}
}

// HandleMutation is an events.MutationHandler that signals the mutated owner.
func (r *DriftRepairer) HandleMutation(_ context.Context, e events.MutationEvent) error {
	r.Signal(e.OwnerID)
	return nil
}

// Start begins the processing loop. Returns an error if already running.
func (r *DriftRepairer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("drift repairer is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stopOnce = new(sync.Once)
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.runLoop(ctx, stop, done)

	r.logger.InfoContext(ctx, "Drift repairer started", "sweep_interval", r.config.SweepInterval)
	return nil
}

// Stop gracefully stops the repairer and waits for completion. When ctx
// expires first the repairer stays running until its loop exits; Stop may be
// called again to keep waiting.
func (r *DriftRepairer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	stop, done, once := r.stopCh, r.doneCh, r.stopOnce
	r.mu.Unlock()

	once.Do(func() { close(stop) })

	select {
	case <-done:
		r.logger.InfoContext(ctx, "Drift repairer stopped gracefully")
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "Drift repairer stop timed out")
		return ctx.Err()
	}

	r.mu.Lock()
	if r.doneCh == done {
		r.running = false
	}
	r.mu.Unlock()
	return nil
}

func (r *DriftRepairer) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *DriftRepairer) runLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case owner := <-r.signals:
			r.repairLogged(ctx, owner)
		case <-ticker.C:
			r.sweep(ctx, stop)
		}
	}
}

// Sweep re-checks every owner seen so far.
func (r *DriftRepairer) Sweep(ctx context.Context) {
	r.mu.Lock()
	stop := r.stopCh
	r.mu.Unlock()
	r.sweep(ctx, stop)
}

func (r *DriftRepairer) sweep(ctx context.Context, stop <-chan struct{}) {
	r.known.Range(func(key, _ any) bool {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		r.repairLogged(ctx, key.(string))
		return true
	})
}

func (r *DriftRepairer) repairLogged(ctx context.Context, owner string) {
	if _, err := r.RepairOwner(ctx, owner); err != nil {
		r.logger.ErrorContext(ctx, "Drift repair failed", log.FieldOwnerID, owner, log.FieldError, err)
	}
}

// RepairOwner corrects every drifted category of owner and returns how many
// it fixed. Categories that keep conflicting are skipped; the next signal
// or sweep retries them.
func (r *DriftRepairer) RepairOwner(ctx context.Context, owner string) (int, error) {
	drift, err := r.engine.FindDrift(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("find drift for %s: %w", owner, err)
	}

	repaired := 0
	for _, d := range drift {
		for attempt := 1; ; attempt++ {
			fixed, err := r.svc.RepairCategory(ctx, d.Category.ID)
			if err == nil {
				if fixed {
					repaired++
				}
				break
			}
			if errors.Is(err, core.ErrLockHeld) {
				r.logger.InfoContext(ctx, "Category is being edited, deferring repair",
					log.FieldCategoryID, d.Category.ID, log.FieldError, err)
				break
			}
			if !errors.Is(err, core.ErrConflict) {
				return repaired, err
			}
			if attempt >= r.config.MaxRetries {
				r.logger.WarnContext(ctx, "Category kept changing during repair, deferring",
					log.FieldCategoryID, d.Category.ID, "attempts", attempt, log.FieldError, err)
				break
			}
		}
	}
	return repaired, nil
}
