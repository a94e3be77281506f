// Package memory is an in-process docstore.Store used by tests and the
// memory backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finledger/internal/docstore"
)

type Store struct {
	mu   sync.Mutex
	docs map[string]map[string]docstore.Document
	now  func() time.Time
	hub  *docstore.Hub
}

func New() *Store {
	s := &Store{
		docs: make(map[string]map[string]docstore.Document),
		now:  time.Now,
	}
	s.hub = docstore.NewHub(s.Query)
	return s
}

// WithClock overrides the update-time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[collection][id]
	if !ok {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return copyDoc(d), nil
}

func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	return s.Batch().Set(collection, id, fields, opts...).Commit(ctx)
}

func (s *Store) Query(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	all := make([]docstore.Document, 0, len(s.docs[q.Collection]))
	for _, d := range s.docs[q.Collection] {
		all = append(all, copyDoc(d))
	}
	s.mu.Unlock()
	return q.Apply(all), nil
}

func (s *Store) Batch() docstore.Batch {
	return docstore.NewPendingBatch(s.commit)
}

func (s *Store) Listen(ctx context.Context, q docstore.Query, onNext func([]docstore.Document), onError func(error)) func() {
	return s.hub.Subscribe(ctx, q, onNext, onError)
}

func (s *Store) Close() error { return nil }

// Len reports the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[collection])
}

// IDs lists the document ids of collection in sorted order.
func (s *Store) IDs(collection string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) commit(ctx context.Context, writes []docstore.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	// Writes later in the batch see the effect of earlier ones.
	staged := make(map[string]map[string]*docstore.Document)
	lookup := func(collection, id string) (docstore.Fields, bool) {
		if c, ok := staged[collection]; ok {
			if d, ok := c[id]; ok {
				if d == nil {
					return nil, false
				}
				return d.Fields, true
			}
		}
		d, ok := s.docs[collection][id]
		return d.Fields, ok
	}

	now := s.now().UTC()
	for _, w := range writes {
		existing, exists := lookup(w.Collection, w.ID)
		if err := w.CheckPreconditions(existing, exists); err != nil {
			s.mu.Unlock()
			return err
		}
		if staged[w.Collection] == nil {
			staged[w.Collection] = make(map[string]*docstore.Document)
		}
		if w.Kind == docstore.WriteDelete {
			staged[w.Collection][w.ID] = nil
			continue
		}
		staged[w.Collection][w.ID] = &docstore.Document{
			Collection: w.Collection,
			ID:         w.ID,
			Fields:     w.Resolve(existing),
			UpdateTime: now,
		}
	}

	for collection, docs := range staged {
		if s.docs[collection] == nil {
			s.docs[collection] = make(map[string]docstore.Document)
		}
		for id, d := range docs {
			if d == nil {
				delete(s.docs[collection], id)
				continue
			}
			s.docs[collection][id] = *d
		}
	}
	s.mu.Unlock()

	s.hub.Notify(context.WithoutCancel(ctx), docstore.Collections(writes))
	return nil
}

func copyDoc(d docstore.Document) docstore.Document {
	d.Fields = d.Fields.Clone()
	return d
}

var _ docstore.Store = (*Store)(nil)
