package worker

import (
	"context"
	"errors"
	"testing"

	"finledger/internal/amqp"
)

type fakeRepairer struct {
	fail     map[string]bool
	repaired map[string]int
	signals  []string
}

func (f *fakeRepairer) RepairOwner(_ context.Context, owner string) (int, error) {
	if f.fail[owner] {
		return 0, errors.New("store unavailable")
	}
	return f.repaired[owner], nil
}

func (f *fakeRepairer) Signal(owner string) { f.signals = append(f.signals, owner) }

type ownerList []string

func (o ownerList) ListOwners(context.Context) ([]string, error) { return o, nil }

func TestHandleRecalculationMessage(t *testing.T) {
	tests := []struct {
		name        string
		owner       string
		wantErr     bool
		wantSignals int
	}{
		{"repairs and remembers owner", "u1", false, 1},
		{"failure requeues", "broken", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeRepairer{fail: map[string]bool{"broken": true}, repaired: map[string]int{"u1": 2}}
			w := NewRecalcWorker(rep, nil, nil)

			err := w.HandleRecalculationMessage(context.Background(), &amqp.RecalculationMessage{OwnerID: tt.owner, TransactionID: "t1", Version: 3})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(rep.signals) != tt.wantSignals {
				t.Errorf("signals = %v", rep.signals)
			}
		})
	}
}

func TestStartupCheckContinuesPastFailures(t *testing.T) {
	rep := &fakeRepairer{fail: map[string]bool{"u2": true}, repaired: map[string]int{"u1": 1, "u3": 1}}
	w := NewRecalcWorker(rep, ownerList{"u1", "u2", "u3"}, nil)

	if err := w.StartupCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rep.signals) != 2 || rep.signals[0] != "u1" || rep.signals[1] != "u3" {
		t.Fatalf("signals = %v", rep.signals)
	}
}

func TestStartupCheckStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewRecalcWorker(&fakeRepairer{}, ownerList{"u1"}, nil)
	if err := w.StartupCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
