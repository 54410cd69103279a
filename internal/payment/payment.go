// Package payment implements the payment intent and reconciliation core.
//
// A Payment is one monetary transaction attempt against a booking. It is
// created PENDING, resolved to COMPLETED or FAILED exactly once by the
// callback reconciliation engine or by manual verification, and never
// deleted. COMPLETED payments may later move to REVERSED through the
// administrative reversal flow.
package payment

import (
	"encoding/json"
	"errors"
	"time"

	"rentpay/internal/common/money"
)

// Method is the payment instrument used for a payment.
type Method string

const (
	MethodMpesa        Method = "mpesa"
	MethodAirtelMoney  Method = "airtel_money"
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
	MethodCash         Method = "cash"
	MethodCheque       Method = "cheque"
)

// IsMobileMoney reports whether the method settles through a mobile-money
// gateway and therefore resolves via an asynchronous callback.
func (m Method) IsMobileMoney() bool {
	return m == MethodMpesa || m == MethodAirtelMoney
}

// Type classifies what the payment is for.
type Type string

const (
	TypeRent    Type = "rent"
	TypeDeposit Type = "deposit"
	TypeFee     Type = "fee"
	TypeOther   Type = "other"
)

// Status is the payment state machine state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusReversed  Status = "REVERSED"
)

// Payment represents one monetary transaction attempt.
type Payment struct {
	ID        string      `json:"id"`
	BookingID string      `json:"booking_id"`
	Amount    money.Money `json:"amount"`
	Method    Method      `json:"payment_method"`
	Type      Type        `json:"type"`
	Status    Status      `json:"status"`

	// PayerPhone is the normalized MSISDN for mobile-money payments.
	PayerPhone string `json:"payer_phone,omitempty"`

	// Reference is the human-readable account reference shown on the
	// payer's prompt and statement.
	Reference string `json:"reference"`

	// TransactionID is the gateway correlation id (checkout/conversation
	// request id). Empty until the gateway accepts the request; unique
	// across all payments once set.
	TransactionID string `json:"transaction_id,omitempty"`

	// PaymentDetails retains the raw gateway payload for audit. It is
	// never interpreted after the boundary parse.
	PaymentDetails json.RawMessage `json:"payment_details,omitempty"`

	Notes    string     `json:"notes,omitempty"`
	PaidDate *time.Time `json:"paid_date,omitempty"`

	// Refund tracking, set by the reversal/refund flows.
	Refunded     bool        `json:"refunded"`
	RefundAmount money.Money `json:"refund_amount,omitempty"`
	RefundID     string      `json:"refund_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending payment for a booking.
func New(id, bookingID string, amount money.Money, method Method, ptype Type) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if bookingID == "" {
		return nil, errors.New("booking_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if !money.IsSupported(amount.Currency) {
		return nil, errors.New("unsupported currency " + string(amount.Currency))
	}

	now := time.Now().UTC()
	return &Payment{
		ID:        id,
		BookingID: bookingID,
		Amount:    amount,
		Method:    method,
		Type:      ptype,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal returns true once the reconciliation core considers the payment
// resolved. REVERSED is reached only from COMPLETED via the reversal flow.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed || p.Status == StatusReversed
}

// MarkCompleted transitions the payment to COMPLETED.
func (p *Payment) MarkCompleted(paidDate time.Time, details json.RawMessage) error {
	if p.Status != StatusPending {
		return errors.New("can only complete pending payments")
	}
	paid := paidDate.UTC()
	p.Status = StatusCompleted
	p.PaidDate = &paid
	if details != nil {
		p.PaymentDetails = details
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions the payment to FAILED, recording the gateway's
// failure reason.
func (p *Payment) MarkFailed(reason string, details json.RawMessage) error {
	if p.Status != StatusPending {
		return errors.New("can only fail pending payments")
	}
	p.Status = StatusFailed
	p.Notes = reason
	if details != nil {
		p.PaymentDetails = details
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkReversed transitions a completed payment to REVERSED.
func (p *Payment) MarkReversed(refundID string, amount money.Money) error {
	if p.Status != StatusCompleted {
		return errors.New("can only reverse completed payments")
	}
	p.Status = StatusReversed
	p.Refunded = true
	p.RefundID = refundID
	p.RefundAmount = amount
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordRefund records a (possibly partial) refund paid back to the payer
// without leaving COMPLETED.
func (p *Payment) RecordRefund(refundID string, amount money.Money) error {
	if p.Status != StatusCompleted {
		return errors.New("can only refund completed payments")
	}
	if amount.GreaterThan(p.Amount) {
		return errors.New("refund exceeds payment amount")
	}
	p.Refunded = true
	p.RefundID = refundID
	p.RefundAmount = amount
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// LedgerTransactionID is the id used for this payment's booking ledger
// entry: the gateway correlation id when present, else the payment id
// (manual payments may never touch a gateway).
func (p *Payment) LedgerTransactionID() string {
	if p.TransactionID != "" {
		return p.TransactionID
	}
	return p.ID
}

// MpesaTransaction links a mobile-money payment to its gateway-side
// identifiers. Created alongside the payment at intent time; the receipt
// number is populated only by a success callback.
type MpesaTransaction struct {
	ID              string          `json:"id"`
	PaymentID       string          `json:"payment_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	PhoneNumber     string          `json:"phone_number"`
	ReceiptNumber   string          `json:"receipt_number,omitempty"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	CallbackPayload json.RawMessage `json:"callback_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
