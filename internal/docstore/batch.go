package docstore

import (
	"context"
	"fmt"
	"maps"
)

// Precondition guards a single write inside a batch.
type Precondition struct {
	// Field/Value require the stored document to exist with Field == Value.
	Field string
	Value any
	// MustNotExist requires the document to be absent.
	MustNotExist bool
}

type WriteOptions struct {
	Merge         bool
	Preconditions []Precondition
}

type WriteOption func(*WriteOptions)

// Merge merges top-level fields into the stored document instead of replacing it.
func Merge() WriteOption {
	return func(o *WriteOptions) { o.Merge = true }
}

// IfFieldEquals adds a field-equality precondition.
func IfFieldEquals(field string, value any) WriteOption {
	return func(o *WriteOptions) {
		o.Preconditions = append(o.Preconditions, Precondition{Field: field, Value: value})
	}
}

// IfVersion is IfFieldEquals("version", v).
func IfVersion(v int64) WriteOption {
	return IfFieldEquals("version", v)
}

// IfAbsent requires the target document not to exist.
func IfAbsent() WriteOption {
	return func(o *WriteOptions) {
		o.Preconditions = append(o.Preconditions, Precondition{MustNotExist: true})
	}
}

func BuildOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteSet:
		return "set"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	}
	return "unknown"
}

// Write is one pending operation of a batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     Fields
	Options    WriteOptions
}

// CheckPreconditions verifies w against the currently stored document
// (nil when absent). Update and Delete implicitly require existence.
func (w Write) CheckPreconditions(existing Fields, exists bool) error {
	if (w.Kind == WriteUpdate || w.Kind == WriteDelete) && !exists {
		return fmt.Errorf("%w: %s/%s does not exist", ErrPreconditionFailed, w.Collection, w.ID)
	}
	for _, p := range w.Options.Preconditions {
		if p.MustNotExist {
			if exists {
				return fmt.Errorf("%w: %s/%s already exists", ErrPreconditionFailed, w.Collection, w.ID)
			}
			continue
		}
		if !exists {
			return fmt.Errorf("%w: %s/%s does not exist", ErrPreconditionFailed, w.Collection, w.ID)
		}
		if !Equal(existing[p.Field], p.Value) {
			return fmt.Errorf("%w: %s/%s field %s is %v, want %v",
				ErrPreconditionFailed, w.Collection, w.ID, p.Field, existing[p.Field], p.Value)
		}
	}
	return nil
}

// Resolve computes the document body after w is applied to existing.
func (w Write) Resolve(existing Fields) Fields {
	if w.Kind == WriteUpdate || w.Options.Merge {
		out := existing.Clone()
		if out == nil {
			out = Fields{}
		}
		maps.Copy(out, w.Fields.Clone())
		return out
	}
	return w.Fields.Clone()
}

// Collections lists the distinct collections touched by writes.
func Collections(writes []Write) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range writes {
		if !seen[w.Collection] {
			seen[w.Collection] = true
			out = append(out, w.Collection)
		}
	}
	return out
}

// PendingBatch collects writes and hands them to a backend commit function.
// Backends embed it to satisfy Batch.
type PendingBatch struct {
	writes []Write
	commit func(ctx context.Context, writes []Write) error
	done   bool
}

func NewPendingBatch(commit func(ctx context.Context, writes []Write) error) *PendingBatch {
	return &PendingBatch{commit: commit}
}

func (b *PendingBatch) add(kind WriteKind, collection, id string, fields Fields, opts []WriteOption) Batch {
	b.writes = append(b.writes, Write{
		Kind:       kind,
		Collection: collection,
		ID:         id,
		Fields:     fields.Clone(),
		Options:    BuildOptions(opts),
	})
	return b
}

func (b *PendingBatch) Set(collection, id string, fields Fields, opts ...WriteOption) Batch {
	return b.add(WriteSet, collection, id, fields, opts)
}

func (b *PendingBatch) Update(collection, id string, fields Fields, opts ...WriteOption) Batch {
	return b.add(WriteUpdate, collection, id, fields, opts)
}

func (b *PendingBatch) Delete(collection, id string, opts ...WriteOption) Batch {
	return b.add(WriteDelete, collection, id, nil, opts)
}

func (b *PendingBatch) Len() int { return len(b.writes) }

func (b *PendingBatch) Commit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("batch already committed")
	}
	if len(b.writes) == 0 {
		return nil
	}
	if err := b.commit(ctx, b.writes); err != nil {
		return err
	}
	b.done = true
	return nil
}
