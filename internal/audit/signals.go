package audit

import (
	"fmt"
	"sort"
	"time"

	"finledger/internal/core"
)

const (
	deletionLimit = 5
	updateLimit   = 10
)

type SignalKind string

const (
	SignalExcessiveDeletions SignalKind = "excessive_deletions"
	SignalExcessiveUpdates   SignalKind = "excessive_updates"
	SignalLargeValueChanges  SignalKind = "large_value_changes"
)

// Signal is an advisory finding about one actor. It never blocks a write.
type Signal struct {
	ActorID string     `json:"actorId"`
	Kind    SignalKind `json:"kind"`
	Count   int        `json:"count"`
	Amount  core.Money `json:"amount"`
	Message string     `json:"message"`
}

// DetectSuspiciousActivity scans the entries made within window of now and
// flags, per actor, at least 5 deletions, at least 10 updates, or amount
// changes whose absolute deltas sum above the large-value threshold.
func (a *Auditor) DetectSuspiciousActivity(entries []core.AuditEntry, window time.Duration) []Signal {
	cutoff := a.now().Add(-window)

	type tally struct {
		deletes, updates int
		moved            core.Money
	}
	per := map[string]*tally{}
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		t, ok := per[e.ActorID]
		if !ok {
			t = &tally{moved: core.Zero}
			per[e.ActorID] = t
		}
		switch e.Action {
		case core.ActionDelete:
			t.deletes++
		case core.ActionUpdate:
			t.updates++
		}
		t.moved = t.moved.Add(amountDelta(e.Changes))
	}

	actors := make([]string, 0, len(per))
	for id := range per {
		actors = append(actors, id)
	}
	sort.Strings(actors)

	var out []Signal
	for _, id := range actors {
		t := per[id]
		if t.deletes >= deletionLimit {
			out = append(out, Signal{ActorID: id, Kind: SignalExcessiveDeletions, Count: t.deletes,
				Message: fmt.Sprintf("%s deleted %d entities within %s", id, t.deletes, window)})
		}
		if t.updates >= updateLimit {
			out = append(out, Signal{ActorID: id, Kind: SignalExcessiveUpdates, Count: t.updates,
				Message: fmt.Sprintf("%s made %d updates within %s", id, t.updates, window)})
		}
		if t.moved.GreaterThan(a.largeValue) {
			out = append(out, Signal{ActorID: id, Kind: SignalLargeValueChanges, Amount: t.moved,
				Message: fmt.Sprintf("%s changed amounts by %s within %s", id, t.moved, window)})
		}
	}
	if len(out) > 0 {
		a.logger.Warn("Suspicious audit activity detected", "signals", len(out), "window", window.String())
	}
	return out
}

// amountDelta sums |new - old| over the amount changes of one entry.
// Values that are not money strings are skipped.
func amountDelta(changes []core.FieldChange) core.Money {
	total := core.Zero
	for _, c := range changes {
		if c.Field != core.FieldAmount {
			continue
		}
		total = total.Add(moneyOf(c.New).Sub(moneyOf(c.Old)).Abs())
	}
	return total
}

func moneyOf(v any) core.Money {
	switch x := v.(type) {
	case string:
		if m, err := core.ParseMoney(x); err == nil {
			return m
		}
	case float64:
		return core.MoneyFromFloat(x)
	case core.Money:
		return x
	}
	return core.Zero
}

// Summary is an operator-facing digest of an audit trail.
type Summary struct {
	Total    int                      `json:"total"`
	ByAction map[core.AuditAction]int `json:"byAction"`
	ByActor  map[string]int           `json:"byActor"`
	Recent   []core.AuditEntry        `json:"recent"`
}

// GenerateSummary counts entries by action and actor and keeps the limit
// most recent ones, newest first. A non-positive limit keeps none.
func GenerateSummary(entries []core.AuditEntry, limit int) Summary {
	s := Summary{
		Total:    len(entries),
		ByAction: map[core.AuditAction]int{},
		ByActor:  map[string]int{},
		Recent:   []core.AuditEntry{},
	}
	for _, e := range entries {
		s.ByAction[e.Action]++
		s.ByActor[e.ActorID]++
	}
	if limit <= 0 {
		return s
	}
	sorted := append([]core.AuditEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	s.Recent = sorted
	return s
}
