package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"finledger/internal/events"
)

// AlertMessage carries one budget alert to out-of-process notifiers
// (email, push). Delivery is at-least-once; consumers dedupe if they care.
type AlertMessage struct {
	OwnerID    string    `json:"ownerId"`
	CategoryID string    `json:"categoryId"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewAlertMessage(e events.AlertEvent) *AlertMessage {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &AlertMessage{
		OwnerID:    e.OwnerID,
		CategoryID: e.CategoryID,
		Type:       string(e.Type),
		Severity:   string(e.Severity),
		Message:    e.Message,
		Timestamp:  ts,
	}
}

func (m *AlertMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RecalculationMessage asks the worker to re-check an owner's budget totals
// after a committed mutation. Only identifiers travel; the worker reads
// current state from the store.
type RecalculationMessage struct {
	OwnerID       string    `json:"ownerId"`
	TransactionID string    `json:"transactionId"`
	Version       int64     `json:"version"`
	BudgetIDs     []string  `json:"budgetIds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewRecalculationMessage(e events.MutationEvent) *RecalculationMessage {
	return &RecalculationMessage{
		OwnerID:       e.OwnerID,
		TransactionID: e.TransactionID,
		Version:       e.Version,
		BudgetIDs:     e.BudgetIDs,
		Timestamp:     time.Now().UTC(),
	}
}

func (m *RecalculationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

var errMissingOwner = errors.New("recalculation message without owner")

// RecalculationMessageFromJSON decodes a message and rejects one that
// names no owner.
func RecalculationMessageFromJSON(data []byte) (*RecalculationMessage, error) {
	var msg RecalculationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.OwnerID == "" {
		return nil, errMissingOwner
	}
	return &msg, nil
}
