// Package events is the typed, injected channel between the mutation path
// and its observers (notification sinks, the drift repairer). Publishing
// never fails the caller: handler errors are logged and dropped.
package events

import (
	"context"
	"sync"
	"time"

	"finledger/internal/core"
	"finledger/internal/log"
)

// MutationEvent reports one committed transaction mutation.
type MutationEvent struct {
	Op            string
	OwnerID       string
	TransactionID string
	Version       int64
	ActorID       string
	BudgetIDs     []string
	CategoryIDs   []string
	Timestamp     time.Time
}

// AlertEvent is the plain data pushed to notification collaborators.
type AlertEvent struct {
	OwnerID    string
	CategoryID string
	Type       core.AlertType
	Severity   core.Severity
	Message    string
	Timestamp  time.Time
}

func AlertEventFrom(a core.BudgetAlert) AlertEvent {
	return AlertEvent{
		OwnerID:    a.OwnerID,
		CategoryID: a.CategoryID,
		Type:       a.Type,
		Severity:   a.Severity,
		Message:    a.Message,
		Timestamp:  a.CreatedAt,
	}
}

type (
	MutationHandler func(ctx context.Context, e MutationEvent) error
	AlertHandler    func(ctx context.Context, e AlertEvent) error
)

type Bus struct {
	mu        sync.RWMutex
	next      int
	mutations map[int]MutationHandler
	alerts    map[int]AlertHandler
	logger    *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Bus{
		mutations: map[int]MutationHandler{},
		alerts:    map[int]AlertHandler{},
		logger:    logger.WithComponent(log.ComponentNotify),
	}
}

func (b *Bus) SubscribeMutations(h MutationHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.mutations[id] = h
	return func() {
		b.mu.Lock()
		delete(b.mutations, id)
		b.mu.Unlock()
	}
}

func (b *Bus) SubscribeAlerts(h AlertHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.alerts[id] = h
	return func() {
		b.mu.Lock()
		delete(b.alerts, id)
		b.mu.Unlock()
	}
}

// PublishMutation delivers e to every mutation subscriber in turn.
func (b *Bus) PublishMutation(ctx context.Context, e MutationEvent) {
	b.mu.RLock()
	handlers := make([]MutationHandler, 0, len(b.mutations))
	for _, h := range b.mutations {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, "mutation", func() error { return h(ctx, e) },
			log.FieldTransactionID, e.TransactionID, log.FieldVersion, e.Version)
	}
}

// PublishAlert delivers e to every alert subscriber in turn.
func (b *Bus) PublishAlert(ctx context.Context, e AlertEvent) {
	b.mu.RLock()
	handlers := make([]AlertHandler, 0, len(b.alerts))
	for _, h := range b.alerts {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, "alert", func() error { return h(ctx, e) },
			log.FieldCategoryID, e.CategoryID, "severity", e.Severity)
	}
}

func (b *Bus) deliver(ctx context.Context, kind string, fn func() error, attrs ...any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "Event handler panicked", append([]any{"event", kind, "panic", r}, attrs...)...)
		}
	}()
	if err := fn(); err != nil {
		b.logger.WarnContext(ctx, "Event delivery failed", append([]any{"event", kind, log.FieldError, err}, attrs...)...)
	}
}
