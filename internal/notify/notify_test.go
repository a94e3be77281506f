package notify

import (
	"context"
	"errors"
	"testing"

	"finledger/internal/amqp"
	"finledger/internal/core"
	"finledger/internal/events"
)

type fakePublisher struct {
	alerts  []*amqp.AlertMessage
	recalcs []*amqp.RecalculationMessage
	err     error
}

func (p *fakePublisher) PublishAlert(_ context.Context, m *amqp.AlertMessage) error {
	p.alerts = append(p.alerts, m)
	return p.err
}

func (p *fakePublisher) PublishRecalculation(_ context.Context, m *amqp.RecalculationMessage) error {
	p.recalcs = append(p.recalcs, m)
	return p.err
}

func TestForwarderDeliversAlerts(t *testing.T) {
	bus := events.NewBus(nil)
	pub := &fakePublisher{}
	f := NewForwarder(bus, nil)
	f.Alerts(NewAMQPSink(pub))
	f.Alerts(NewLogSink(nil))

	bus.PublishAlert(context.Background(), events.AlertEvent{
		OwnerID: "u1", CategoryID: "dining", Type: core.AlertOverBudget, Severity: core.SeverityError,
	})
	if len(pub.alerts) != 1 || pub.alerts[0].CategoryID != "dining" || pub.alerts[0].Severity != "error" {
		t.Fatalf("published = %+v", pub.alerts)
	}

	f.Close()
	bus.PublishAlert(context.Background(), events.AlertEvent{CategoryID: "rent"})
	if len(pub.alerts) != 1 {
		t.Fatal("closed forwarder still delivers")
	}
}

func TestForwarderSwallowsSinkFailures(t *testing.T) {
	bus := events.NewBus(nil)
	f := NewForwarder(bus, nil)
	var delivered int
	f.Alerts(SinkFunc(func(context.Context, events.AlertEvent) error { return errors.New("smtp down") }))
	f.Alerts(SinkFunc(func(context.Context, events.AlertEvent) error { delivered++; return nil }))

	bus.PublishAlert(context.Background(), events.AlertEvent{CategoryID: "dining"})
	if delivered != 1 {
		t.Fatalf("delivered = %d", delivered)
	}
}

func TestForwarderPublishesRecalculations(t *testing.T) {
	bus := events.NewBus(nil)
	pub := &fakePublisher{err: errors.New("circuit breaker is open")}
	f := NewForwarder(bus, nil)
	f.Recalculations(pub)
	f.Recalculations(nil)

	bus.PublishMutation(context.Background(), events.MutationEvent{OwnerID: "u1", TransactionID: "t1", Version: 2})
	if len(pub.recalcs) != 1 || pub.recalcs[0].OwnerID != "u1" || pub.recalcs[0].Version != 2 {
		t.Fatalf("recalcs = %+v", pub.recalcs)
	}
}

func TestAMQPSinkWithoutPublisher(t *testing.T) {
	if err := NewAMQPSink(nil).Deliver(context.Background(), events.AlertEvent{}); err != nil {
		t.Fatalf("nil publisher should be a no-op, got %v", err)
	}
}
