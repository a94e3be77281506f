package backend

import (
	"context"
	"errors"
	"time"

	"finledger/internal/amqp"
	"finledger/internal/audit"
	"finledger/internal/budget"
	"finledger/internal/cache"
	"finledger/internal/core"
	"finledger/internal/docstore"
	"finledger/internal/events"
	"finledger/internal/reconcile"
	"finledger/internal/services"
	"finledger/internal/storage"
)

// CheckFunc reports whether a dependency can serve requests.
type CheckFunc func(ctx context.Context) error

// Backend is the assembled consistency engine: the document store and
// every service built on it.
type Backend struct {
	Type       BackendType
	Store      docstore.Store
	Repo       *storage.Repository
	Engine     *budget.Engine
	Auditor    *audit.Auditor
	Reconciler *reconcile.Service
	Bus        *events.Bus
	Service    *services.TransactionService
	// AMQP is nil when no broker is configured or it was unreachable.
	AMQP   *amqp.Client
	Caches *cache.Manager

	checks  map[string]CheckFunc
	cleanup []func() error
}

// ReadyChecks returns one check per dependency, keyed by name.
func (b *Backend) ReadyChecks() map[string]CheckFunc {
	out := make(map[string]CheckFunc, len(b.checks))
	for name, fn := range b.checks {
		out[name] = fn
	}
	return out
}

// Close releases resources in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		if err := b.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.cleanup = nil
	return errors.Join(errs...)
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*Backend, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// AMQP is optional for every backend type.
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPAlertQueue string

	LockTTL          time.Duration
	WarningPercent   int
	LargeTransaction core.Money
	SuspiciousAmount core.Money
	// Strategies maps mutation kinds ("create", "update", ...) to
	// recompute strategy names.
	Strategies map[string]string

	// CacheCleanupInterval defaults to 5 minutes.
	CacheCleanupInterval time.Duration

	Now func() time.Time
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
