// Package notify publishes payment lifecycle events to NATS. Delivery is
// fire-and-forget: publish failures are logged and swallowed so a broker
// outage never blocks reconciliation.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"rentpay/internal/common/money"
	"rentpay/internal/common/nats"
	"rentpay/internal/payment"
)

// NATS subjects for payment events
const (
	SubjectPaymentSucceeded = "payments.payment.succeeded"
	SubjectPaymentFailed    = "payments.payment.failed"
)

// EventType identifies the type of payment event.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// PaymentEvent is the payload for both terminal payment events.
type PaymentEvent struct {
	PaymentID     string         `json:"payment_id"`
	BookingID     string         `json:"booking_id"`
	Amount        money.Money    `json:"amount"`
	Method        payment.Method `json:"method"`
	Type          payment.Type   `json:"type"`
	Status        payment.Status `json:"status"`
	Reference     string         `json:"reference"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// Notifier publishes payment events to NATS.
type Notifier struct {
	client *nats.Client
	logger *slog.Logger
}

var _ payment.Notifier = (*Notifier)(nil)

// New creates a new notifier.
func New(client *nats.Client, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

// PaymentSucceeded publishes a payment.succeeded event.
func (n *Notifier) PaymentSucceeded(ctx context.Context, p *payment.Payment) {
	n.publish(ctx, SubjectPaymentSucceeded, EventPaymentSucceeded, p)
}

// PaymentFailed publishes a payment.failed event.
func (n *Notifier) PaymentFailed(ctx context.Context, p *payment.Payment) {
	n.publish(ctx, SubjectPaymentFailed, EventPaymentFailed, p)
}

func (n *Notifier) publish(ctx context.Context, subject string, eventType EventType, p *payment.Payment) {
	event := PaymentEvent{
		PaymentID:     p.ID,
		BookingID:     p.BookingID,
		Amount:        p.Amount,
		Method:        p.Method,
		Type:          p.Type,
		Status:        p.Status,
		Reference:     p.Reference,
		TransactionID: p.TransactionID,
		Notes:         p.Notes,
	}

	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode payment event",
			"payment_id", p.ID, "type", eventType, "error", err)
		return
	}

	env := Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: p.TransactionID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}

	payload, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to encode event envelope",
			"payment_id", p.ID, "type", eventType, "error", err)
		return
	}

	if err := n.client.Publish(ctx, subject, payload); err != nil {
		n.logger.Warn("failed to publish payment event",
			"payment_id", p.ID, "subject", subject, "error", err)
		return
	}

	n.logger.Debug("payment event published",
		"payment_id", p.ID, "subject", subject, "event_id", env.ID)
}

// NopNotifier discards all events. Used when NATS is not configured.
type NopNotifier struct{}

var _ payment.Notifier = NopNotifier{}

func (NopNotifier) PaymentSucceeded(context.Context, *payment.Payment) {}
func (NopNotifier) PaymentFailed(context.Context, *payment.Payment)   {}
