package docstore

import (
	"context"
	"sync"
)

type listener struct {
	id      uint64
	query   Query
	onNext  func([]Document)
	onError func(error)
}

// Hub fans committed changes out to Listen subscribers. Backends call
// Subscribe from Listen and Notify after every successful commit.
type Hub struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]*listener
	fetch     func(ctx context.Context, q Query) ([]Document, error)
	watchers  sync.WaitGroup
}

// NewHub creates a hub that re-runs queries with fetch.
func NewHub(fetch func(ctx context.Context, q Query) ([]Document, error)) *Hub {
	return &Hub{listeners: make(map[uint64]*listener), fetch: fetch}
}

// Subscribe registers a listener, delivers the initial snapshot and returns
// the unsubscribe function. The listener is removed when ctx is done or
// unsubscribe is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context, q Query, onNext func([]Document), onError func(error)) func() {
	if onError == nil {
		onError = func(error) {}
	}
	if err := q.Validate(); err != nil {
		onError(err)
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	l := &listener{id: h.nextID, query: q, onNext: onNext, onError: onError}
	h.listeners[l.id] = l
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, l.id)
			h.mu.Unlock()
			close(done)
		})
	}
	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()

	h.deliver(ctx, l)
	return unsubscribe
}

// Notify re-runs every listener whose collection was touched.
func (h *Hub) Notify(ctx context.Context, collections []string) {
	touched := make(map[string]bool, len(collections))
	for _, c := range collections {
		touched[c] = true
	}

	h.mu.Lock()
	var targets []*listener
	for _, l := range h.listeners {
		if touched[l.query.Collection] {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	for _, l := range targets {
		h.deliver(ctx, l)
	}
}

func (h *Hub) deliver(ctx context.Context, l *listener) {
	docs, err := h.fetch(ctx, l.query)
	if err != nil {
		l.onError(err)
		return
	}
	l.onNext(docs)
}

// Len reports the number of active listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
