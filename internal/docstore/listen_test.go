package docstore

import (
	"context"
	"testing"
	"time"
)

func waitWatchers(t *testing.T, h *Hub) {
	t.Helper()
	released := make(chan struct{})
	go func() {
		h.watchers.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine still running")
	}
}

func TestSubscriptionReleasesWatcher(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(unsubscribe, cancel func())
	}{
		{"unsubscribe with live context", func(unsubscribe, _ func()) { unsubscribe() }},
		{"context cancelled", func(_, cancel func()) { cancel() }},
		{"unsubscribe twice then cancel", func(unsubscribe, cancel func()) {
			unsubscribe()
			unsubscribe()
			cancel()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(func(context.Context, Query) ([]Document, error) { return nil, nil })
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var snapshots int
			unsubscribe := h.Subscribe(ctx, Query{Collection: "c"}, func([]Document) { snapshots++ }, nil)
			if h.Len() != 1 || snapshots != 1 {
				t.Fatalf("after subscribe: len=%d snapshots=%d", h.Len(), snapshots)
			}

			tt.cancel(unsubscribe, cancel)
			waitWatchers(t, h)

			if h.Len() != 0 {
				t.Errorf("listeners = %d, want 0", h.Len())
			}
			h.Notify(context.Background(), []string{"c"})
			if snapshots != 1 {
				t.Errorf("snapshots after release = %d, want 1", snapshots)
			}
		})
	}
}

func TestSubscribeRejectsInvalidQuery(t *testing.T) {
	h := NewHub(func(context.Context, Query) ([]Document, error) { return nil, nil })
	var gotErr error
	unsubscribe := h.Subscribe(context.Background(), Query{}, func([]Document) {}, func(err error) { gotErr = err })
	unsubscribe()

	if gotErr == nil {
		t.Error("expected validation error")
	}
	if h.Len() != 0 {
		t.Errorf("listeners = %d, want 0", h.Len())
	}
	waitWatchers(t, h)
}
