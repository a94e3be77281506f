// Package audit turns accepted mutations into append-only audit entries and
// derives advisory signals and summaries from the resulting trail.
package audit

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/log"
	"finledger/internal/storage"
)

// DefaultLargeValueThreshold is the cumulative amount delta per actor above
// which DetectSuspiciousActivity raises a signal.
const DefaultLargeValueThreshold = 10000

// bookkeeping keys change on every write and never count as field changes.
var bookkeeping = map[string]bool{
	storage.KeyVersion:        true,
	storage.KeyUpdatedAt:      true,
	storage.KeyLastModifiedBy: true,
	storage.KeyLockedBy:       true,
	storage.KeyLockExpiry:     true,
}

// Record describes one accepted mutation.
type Record struct {
	Action     core.AuditAction
	ActorID    string
	OwnerID    string
	EntityType string
	EntityID   string
	// Changes is the typed diff of the mutation. When nil on an UPDATE it
	// is derived from PreviousState and NewState.
	Changes       []core.FieldChange
	PreviousState docstore.Fields
	NewState      docstore.Fields
	Metadata      core.AuditMetadata
}

type Config struct {
	LargeValueThreshold core.Money
	Now                 func() time.Time
	Logger              *log.Logger
}

type Auditor struct {
	repo       *storage.Repository
	largeValue core.Money
	now        func() time.Time
	logger     *log.Logger
}

func New(repo *storage.Repository, cfg Config) *Auditor {
	a := &Auditor{
		repo:       repo,
		largeValue: cfg.LargeValueThreshold,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if a.largeValue.IsZero() {
		a.largeValue = core.NewMoney(DefaultLargeValueThreshold * 100)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = log.New(log.DefaultConfig())
	}
	a.logger = a.logger.WithComponent(log.ComponentAudit)
	return a
}

// Build creates the entry for r without writing it.
func (a *Auditor) Build(r Record) core.AuditEntry {
	e := core.AuditEntry{
		ID:         uuid.NewString(),
		OwnerID:    r.OwnerID,
		Timestamp:  a.now().UTC(),
		ActorID:    r.ActorID,
		Action:     r.Action,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Changes:    r.Changes,
		Metadata:   r.Metadata,
	}
	if r.PreviousState != nil {
		e.PreviousState = r.PreviousState.Clone()
	}
	if r.NewState != nil {
		e.NewState = r.NewState.Clone()
	}
	if e.Changes == nil && r.Action == core.ActionUpdate {
		e.Changes = DiffStates(r.PreviousState, r.NewState)
	}
	return e
}

// Stage adds the entry for r to b, so it commits together with the mutation.
func (a *Auditor) Stage(b docstore.Batch, r Record) core.AuditEntry {
	e := a.Build(r)
	b.Set(storage.AuditEntries, e.ID, storage.AuditFields(e), docstore.IfAbsent())
	return e
}

// Store writes a standalone entry, for changes made outside a mutation batch.
func (a *Auditor) Store(ctx context.Context, r Record) (core.AuditEntry, error) {
	e := a.Build(r)
	err := a.repo.Store().Batch().
		Set(storage.AuditEntries, e.ID, storage.AuditFields(e), docstore.IfAbsent()).
		Commit(ctx)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("record audit entry: %w", err)
	}
	a.logger.DebugContext(ctx, "Audit entry recorded",
		log.FieldOperation, log.OpAppend, "action", e.Action, "entity_id", e.EntityID, log.FieldActorID, e.ActorID)
	return e, nil
}

// Trail returns the owner's entries between from and to, oldest first.
func (a *Auditor) Trail(ctx context.Context, ownerID string, from, to time.Time) ([]core.AuditEntry, error) {
	return a.repo.ListAuditEntries(ctx, ownerID, from, to)
}

// History returns every entry for one entity, oldest first.
func (a *Auditor) History(ctx context.Context, ownerID, entityID string) ([]core.AuditEntry, error) {
	return a.repo.EntityHistory(ctx, ownerID, entityID)
}

// DiffStates compares two documents key by key over the union of their
// keys. Only keys whose values differ are reported, sorted by name.
func DiffStates(prev, next docstore.Fields) []core.FieldChange {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		if !bookkeeping[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var out []core.FieldChange
	for _, k := range names {
		before, after := prev[k], next[k]
		if reflect.DeepEqual(before, after) {
			continue
		}
		out = append(out, core.FieldChange{Field: k, Old: before, New: after})
	}
	return out
}
