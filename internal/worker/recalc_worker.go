package worker

import (
	"context"
	"fmt"

	"finledger/internal/amqp"
	"finledger/internal/log"
)

// Repairer corrects budget drift for one owner.
type Repairer interface {
	RepairOwner(ctx context.Context, owner string) (int, error)
	Signal(owner string)
}

// OwnerLister enumerates the owners a startup check covers.
type OwnerLister interface {
	ListOwners(ctx context.Context) ([]string, error)
}

// RecalcWorker handles recalculation requests published after committed
// mutations. Handling is synchronous so a message is only acked once the
// owner's budget totals have been checked.
type RecalcWorker struct {
	repairer Repairer
	owners   OwnerLister
	logger   *log.Logger
}

func NewRecalcWorker(repairer Repairer, owners OwnerLister, logger *log.Logger) *RecalcWorker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &RecalcWorker{
		repairer: repairer,
		owners:   owners,
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// HandleRecalculationMessage repairs the owner named by msg. A returned
// error requeues the message.
func (w *RecalcWorker) HandleRecalculationMessage(ctx context.Context, msg *amqp.RecalculationMessage) error {
	w.logger.DebugContext(ctx, "Processing recalculation message",
		log.FieldOwnerID, msg.OwnerID, log.FieldTransactionID, msg.TransactionID, log.FieldVersion, msg.Version)

	repaired, err := w.repairer.RepairOwner(ctx, msg.OwnerID)
	if err != nil {
		return fmt.Errorf("repair owner %s: %w", msg.OwnerID, err)
	}
	// Remember the owner for periodic sweeps.
	w.repairer.Signal(msg.OwnerID)

	if repaired > 0 {
		w.logger.InfoContext(ctx, "Recalculation corrected budget drift",
			log.FieldOwnerID, msg.OwnerID, log.FieldTransactionID, msg.TransactionID, "categories", repaired)
	}
	return nil
}

// StartupCheck repairs every known owner once, catching drift left by
// messages lost while the worker was down. Per-owner failures are logged
// and do not stop the pass.
func (w *RecalcWorker) StartupCheck(ctx context.Context) error {
	if w.owners == nil {
		return nil
	}
	owners, err := w.owners.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}

	w.logger.InfoContext(ctx, "Performing startup drift check", "owners", len(owners))

	total, failed := 0, 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := w.repairer.RepairOwner(ctx, owner)
		if err != nil {
			failed++
			w.logger.ErrorContext(ctx, "Startup drift check failed", log.FieldOwnerID, owner, log.FieldError, err)
			continue
		}
		w.repairer.Signal(owner)
		total += n
	}

	w.logger.InfoContext(ctx, "Startup drift check completed",
		"owners", len(owners), "repaired", total, "failed", failed)
	return nil
}
