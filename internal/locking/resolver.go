package locking

import "strings"

// Resolution is a resolver's verdict on a stale mutation. Merged is the
// suggested state (nil when none can be offered); Unresolved lists fields
// changed both concurrently and by the incoming mutation.
type Resolution[T any] struct {
	Merged     *T
	Unresolved []string
	Note       string
}

// Resolver reconciles an incoming patch with the current state. concurrent
// is the diff base→current, or nil when the base state is unknown.
type Resolver[T any, P Patch[P, T]] func(current T, incoming P, concurrent *P) Resolution[T]

// FieldMerge prefers incoming values except where the same field also
// changed concurrently; those are surfaced as unresolved and no merged state
// is offered.
func FieldMerge[T any, P Patch[P, T]](current T, incoming P, concurrent *P) Resolution[T] {
	if concurrent == nil {
		return Resolution[T]{Unresolved: incoming.Fields(), Note: "base version unavailable"}
	}
	if overlap := incoming.Conflicts(*concurrent); len(overlap) > 0 {
		return Resolution[T]{Unresolved: overlap}
	}
	merged := incoming.Apply(current)
	return Resolution[T]{Merged: &merged, Note: "field-level merge"}
}

// FieldMergeOrLastWriterWins behaves like FieldMerge but falls back to the
// incoming value on overlapping fields, noting which ones were overwritten.
func FieldMergeOrLastWriterWins[T any, P Patch[P, T]](current T, incoming P, concurrent *P) Resolution[T] {
	res := FieldMerge(current, incoming, concurrent)
	if res.Merged != nil {
		return res
	}
	merged := incoming.Apply(current)
	note := "last-writer-wins"
	if len(res.Unresolved) > 0 {
		note += " overwrote concurrent changes to " + strings.Join(res.Unresolved, ", ")
	}
	return Resolution[T]{Merged: &merged, Unresolved: res.Unresolved, Note: note}
}

// Reject never offers a merge.
func Reject[T any, P Patch[P, T]](_ T, incoming P, _ *P) Resolution[T] {
	return Resolution[T]{Unresolved: incoming.Fields(), Note: "rejected"}
}
