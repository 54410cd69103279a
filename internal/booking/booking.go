// Package booking holds the rental booking aggregate and its payment ledger.
//
// A booking owns an ordered, append-only ledger of payment entries. The
// booking's payment status is never patched incrementally: it is re-derived
// from the full ledger on every mutation, so replayed or out-of-order
// settlement callbacks cannot make it drift.
package booking

import (
	"errors"
	"time"

	"rentpay/internal/common/money"
)

// Status is the booking lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// PaymentStatus is the aggregate payment status derived from the ledger.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// EntryStatus is the status of a single ledger entry.
type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

// LedgerEntry is one settled payment recorded against a booking.
type LedgerEntry struct {
	Amount        money.Money `json:"amount"`
	Method        string      `json:"method"`
	TransactionID string      `json:"transaction_id"`
	PaymentDate   time.Time   `json:"payment_date"`
	Status        EntryStatus `json:"status"`
}

// Booking is a rental agreement between a landlord and a tenant.
type Booking struct {
	ID            string        `json:"id"`
	PropertyID    string        `json:"property_id"`
	LandlordID    string        `json:"landlord_id"`
	TenantID      string        `json:"tenant_id"`
	TotalAmount   money.Money   `json:"total_amount"`
	DepositAmount money.Money   `json:"deposit_amount"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	DepositPaid   bool          `json:"deposit_paid"`
	Status        Status        `json:"status"`
	Ledger        []LedgerEntry `json:"payment_details"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CompletedSum returns the sum of completed ledger entries.
func CompletedSum(ledger []LedgerEntry, currency money.Currency) money.Money {
	sum := money.Zero(currency)
	for _, e := range ledger {
		if e.Status != EntryCompleted {
			continue
		}
		if e.Amount.Currency != currency {
			continue
		}
		sum = sum.MustAdd(e.Amount)
	}
	return sum
}

// DerivePaymentStatus computes the booking payment status from the full
// ledger. paid iff completed sum >= total + deposit, unpaid iff the sum is
// zero, partial otherwise. This is the single derivation rule for the whole
// service; both the callback and manual verification paths go through it.
func DerivePaymentStatus(ledger []LedgerEntry, totalAmount, depositAmount money.Money) PaymentStatus {
	sum := CompletedSum(ledger, totalAmount.Currency)
	threshold := totalAmount.MustAdd(depositAmount)

	switch {
	case sum.IsZero():
		return PaymentUnpaid
	case sum.GreaterThanOrEqual(threshold):
		return PaymentPaid
	default:
		return PaymentPartial
	}
}

// AcceptsPayment reports whether the booking is in a state that permits
// taking payments.
func (b *Booking) AcceptsPayment() bool {
	return b.Status == StatusPending || b.Status == StatusConfirmed
}

// AppendLedgerEntry appends a settled payment to the ledger. A transaction id
// may appear at most once; replays are rejected here as a last line of
// defense behind the payment-level idempotency check.
func (b *Booking) AppendLedgerEntry(entry LedgerEntry) error {
	if !entry.Amount.IsPositive() {
		return errors.New("ledger entry amount must be positive")
	}
	for _, e := range b.Ledger {
		if e.TransactionID != "" && e.TransactionID == entry.TransactionID {
			return errors.New("duplicate ledger entry for transaction " + entry.TransactionID)
		}
	}
	b.Ledger = append(b.Ledger, entry)
	b.recompute()
	return nil
}

// ReverseLedgerEntry marks the ledger entry for a transaction as reversed
// and re-derives the payment status.
func (b *Booking) ReverseLedgerEntry(transactionID string) error {
	for i := range b.Ledger {
		if b.Ledger[i].TransactionID == transactionID {
			if b.Ledger[i].Status == EntryReversed {
				return errors.New("ledger entry already reversed")
			}
			b.Ledger[i].Status = EntryReversed
			b.recompute()
			return nil
		}
	}
	return errors.New("no ledger entry for transaction " + transactionID)
}

// Confirm advances a pending booking to confirmed.
func (b *Booking) Confirm() error {
	if b.Status != StatusPending {
		return errors.New("can only confirm pending bookings")
	}
	b.Status = StatusConfirmed
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Booking) recompute() {
	b.PaymentStatus = DerivePaymentStatus(b.Ledger, b.TotalAmount, b.DepositAmount)
	sum := CompletedSum(b.Ledger, b.TotalAmount.Currency)
	b.DepositPaid = !b.DepositAmount.IsPositive() || sum.GreaterThanOrEqual(b.DepositAmount)
	b.UpdatedAt = time.Now().UTC()
}

// OutstandingAmount returns how much is still owed against total + deposit.
func (b *Booking) OutstandingAmount() money.Money {
	threshold := b.TotalAmount.MustAdd(b.DepositAmount)
	sum := CompletedSum(b.Ledger, b.TotalAmount.Currency)
	remaining, err := threshold.Sub(sum)
	if err != nil || !remaining.IsPositive() {
		return money.Zero(b.TotalAmount.Currency)
	}
	return remaining
}
