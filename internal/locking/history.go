package locking

import (
	"context"

	"finledger/internal/docstore"
	"finledger/internal/storage"
)

// HistoryBases reconstructs past versions from the audit trail: every
// committed mutation stores the full new state, version included.
func HistoryBases[T any, P Patch[P, T]](repo *storage.Repository, kind Kind[T, P], owner func(T) string) BaseLoader[T] {
	return func(ctx context.Context, current T, version int64) (T, bool, error) {
		var zero T
		id := kind.ID(current)
		entries, err := repo.EntityHistory(ctx, owner(current), id)
		if err != nil {
			return zero, false, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			state := docstore.Fields(entries[i].NewState)
			if state == nil || state.Int64(storage.KeyVersion) != version {
				continue
			}
			base, err := kind.Decode(docstore.Document{Collection: kind.Collection, ID: id, Fields: state})
			if err != nil {
				return zero, false, err
			}
			return base, true, nil
		}
		return zero, false, nil
	}
}
