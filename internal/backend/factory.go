package backend

import (
	"context"
	"fmt"
	"time"

	"finledger/internal/amqp"
	"finledger/internal/audit"
	"finledger/internal/budget"
	"finledger/internal/cache"
	"finledger/internal/docstore/memory"
	"finledger/internal/docstore/sqlite"
	"finledger/internal/events"
	"finledger/internal/log"
	"finledger/internal/reconcile"
	"finledger/internal/services"
	"finledger/internal/storage"
)

const defaultCacheCleanup = 5 * time.Minute

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := f.logger.WithComponent(log.ComponentBackend)

	b := &Backend{Type: config.Type, checks: make(map[string]CheckFunc)}

	switch config.Type {
	case SQLiteBackend:
		store, err := sqlite.Open(config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		b.Store = store
		b.checks["store"] = store.Ping
		logger.InfoContext(ctx, "Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	case MemoryBackend:
		store := memory.New()
		if config.Now != nil {
			store.WithClock(config.Now)
		}
		b.Store = store
		b.checks["store"] = func(context.Context) error { return nil }
		logger.InfoContext(ctx, "Initialized memory backend")
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	b.cleanup = append(b.cleanup, b.Store.Close)

	if err := f.assemble(b, config); err != nil {
		b.Close()
		return nil, err
	}

	// AMQP is optional: an unreachable broker degrades to log-only alerts.
	if config.AMQPURL != "" {
		client, err := amqp.NewClient(amqp.Config{
			URL:            config.AMQPURL,
			ExchangeName:   config.AMQPExchange,
			QueueName:      config.AMQPQueue,
			AlertQueueName: config.AMQPAlertQueue,
			Logger:         f.logger.WithComponent(log.ComponentAMQP),
		})
		if err != nil {
			logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without broker", log.FieldError, err)
		} else {
			b.AMQP = client
			b.checks["amqp"] = client.Healthy
			b.cleanup = append(b.cleanup, client.Close)
			logger.InfoContext(ctx, "Initialized AMQP client",
				"exchange", config.AMQPExchange, "queue", config.AMQPQueue, "alert_queue", config.AMQPAlertQueue)
		}
	}

	return b, nil
}

// assemble builds the services on top of b.Store.
func (f *DefaultFactory) assemble(b *Backend, config Config) error {
	names := make(map[budget.Op]string, len(config.Strategies))
	for op, name := range config.Strategies {
		names[budget.Op(op)] = name
	}
	strategies, err := budget.StrategiesFromNames(names)
	if err != nil {
		return fmt.Errorf("recompute strategies: %w", err)
	}

	b.Repo = storage.NewRepository(b.Store)
	b.Engine = budget.NewEngine(b.Repo, budget.Config{
		Strategies:     strategies,
		WarningPercent: config.WarningPercent,
		Now:            config.Now,
		Logger:         f.logger,
	})
	b.Auditor = audit.New(b.Repo, audit.Config{
		LargeValueThreshold: config.SuspiciousAmount,
		Now:                 config.Now,
		Logger:              f.logger,
	})
	b.Reconciler = reconcile.NewService(b.Repo, reconcile.Config{
		LargeTransaction: config.LargeTransaction,
		Now:              config.Now,
		Logger:           f.logger,
	})
	b.Bus = events.NewBus(f.logger)
	b.Service = services.NewTransactionService(b.Repo, b.Engine, b.Auditor, b.Reconciler, b.Bus, services.Options{
		Now:     config.Now,
		LockTTL: config.LockTTL,
		Logger:  f.logger,
	})

	interval := config.CacheCleanupInterval
	if interval <= 0 {
		interval = defaultCacheCleanup
	}
	b.Caches = cache.NewManager(f.logger)
	b.Caches.Register(b.Reconciler.ReportCache())
	b.Caches.StartCleanup(interval)
	b.cleanup = append(b.cleanup, func() error { b.Caches.Stop(); return nil })
	return nil
}
