// Package docstore defines the abstract document database the consistency
// engine runs against, plus the query, precondition and notification helpers
// shared by its implementations (see docstore/memory and docstore/sqlite).
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

type (
	// Fields is a flat-ish JSON-compatible document body. Values are strings,
	// int64, float64, bool, nil, []string, []any or nested Fields.
	Fields map[string]any

	Document struct {
		Collection string
		ID         string
		Fields     Fields
		UpdateTime time.Time
	}

	Store interface {
		Get(ctx context.Context, collection, id string) (Document, error)
		Put(ctx context.Context, collection, id string, fields Fields, opts ...WriteOption) error
		Query(ctx context.Context, q Query) ([]Document, error)
		// Batch starts an atomic multi-document write. Nothing is visible to
		// readers until Commit returns nil.
		Batch() Batch
		// Listen pushes the query's full result set to onNext once on
		// subscription and again after every commit touching q.Collection.
		Listen(ctx context.Context, q Query, onNext func([]Document), onError func(error)) (unsubscribe func())
		Close() error
	}

	Batch interface {
		Set(collection, id string, fields Fields, opts ...WriteOption) Batch
		Update(collection, id string, fields Fields, opts ...WriteOption) Batch
		Delete(collection, id string, opts ...WriteOption) Batch
		// Commit applies every write or none. A failed precondition yields
		// an error matching ErrPreconditionFailed.
		Commit(ctx context.Context) error
		Len() int
	}
)

// Int64 reads an integer field regardless of how the backend decoded it.
func (f Fields) Int64(key string) int64 {
	n, _ := toInt64(f[key])
	return n
}

// String reads a string field; missing or non-string values yield "".
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool reads a boolean field.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Strings reads a string list stored either as []string or []any.
func (f Fields) Strings(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map reads a nested object.
func (f Fields) Map(key string) Fields {
	switch v := f[key].(type) {
	case Fields:
		return v
	case map[string]any:
		return Fields(v)
	}
	return nil
}

// Clone deep-copies f so stored documents never alias caller maps.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return t.Clone()
	case map[string]any:
		return Fields(t).Clone()
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	}
	return v
}
