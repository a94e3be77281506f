// Package notify connects the event bus to the collaborators that tell
// people about budget alerts. Delivery is best effort: a failing sink is
// logged and never reaches the mutation that raised the alert.
package notify

import (
	"context"

	"finledger/internal/amqp"
	"finledger/internal/core"
	"finledger/internal/events"
	"finledger/internal/log"
)

// Sink delivers one alert to the outside world.
type Sink interface {
	Deliver(ctx context.Context, e events.AlertEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e events.AlertEvent) error

func (f SinkFunc) Deliver(ctx context.Context, e events.AlertEvent) error { return f(ctx, e) }

// LogSink writes alerts to the structured log. It is the sink of last
// resort when no broker is configured.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &LogSink{logger: logger.WithComponent(log.ComponentNotify)}
}

func (s *LogSink) Deliver(ctx context.Context, e events.AlertEvent) error {
	level := s.logger.InfoContext
	if e.Severity == core.SeverityError {
		level = s.logger.WarnContext
	}
	level(ctx, "Budget alert",
		log.FieldOwnerID, e.OwnerID, log.FieldCategoryID, e.CategoryID,
		"type", e.Type, "severity", e.Severity, "message", e.Message)
	return nil
}

type AlertPublisher interface {
	PublishAlert(ctx context.Context, msg *amqp.AlertMessage) error
}

type RecalculationPublisher interface {
	PublishRecalculation(ctx context.Context, msg *amqp.RecalculationMessage) error
}

// AMQPSink publishes alerts to the broker.
type AMQPSink struct {
	publisher AlertPublisher
}

func NewAMQPSink(p AlertPublisher) *AMQPSink {
	return &AMQPSink{publisher: p}
}

func (s *AMQPSink) Deliver(ctx context.Context, e events.AlertEvent) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishAlert(ctx, amqp.NewAlertMessage(e))
}

// Forwarder subscribes sinks and publishers to a bus.
type Forwarder struct {
	bus          *events.Bus
	logger       *log.Logger
	unsubscribes []func()
}

func NewForwarder(bus *events.Bus, logger *log.Logger) *Forwarder {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Forwarder{bus: bus, logger: logger.WithComponent(log.ComponentNotify)}
}

// Alerts delivers every alert published on the bus to sink.
func (f *Forwarder) Alerts(sink Sink) {
	f.unsubscribes = append(f.unsubscribes, f.bus.SubscribeAlerts(func(ctx context.Context, e events.AlertEvent) error {
		if err := sink.Deliver(ctx, e); err != nil {
			f.logger.WarnContext(ctx, "Alert delivery failed",
				log.FieldCategoryID, e.CategoryID, log.FieldError, err)
		}
		return nil
	}))
}

// Recalculations turns every committed mutation into a recalculation request
// for the worker.
func (f *Forwarder) Recalculations(p RecalculationPublisher) {
	if p == nil {
		f.logger.Warn("AMQP client not available, recalculation requests disabled")
		return
	}
	f.unsubscribes = append(f.unsubscribes, f.bus.SubscribeMutations(func(ctx context.Context, e events.MutationEvent) error {
		if err := p.PublishRecalculation(ctx, amqp.NewRecalculationMessage(e)); err != nil {
			f.logger.WarnContext(ctx, "Recalculation request not published",
				log.FieldTransactionID, e.TransactionID, log.FieldError, err)
		}
		return nil
	}))
}

// Close detaches every subscription made through f.
func (f *Forwarder) Close() {
	for _, u := range f.unsubscribes {
		u()
	}
	f.unsubscribes = nil
}
