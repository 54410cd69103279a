package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentpay/internal/booking"
	"rentpay/internal/common/money"
)

// CallbackResult is the strict internal form of a gateway callback. Gateway
// packages parse their provider envelopes into this type at the boundary;
// the raw provider shape never travels past it.
type CallbackResult struct {
	Provider      string
	CorrelationID string
	ResultCode    int
	ResultDesc    string

	// Populated only on success.
	ReceiptNumber string
	Amount        money.Money
	PhoneNumber   string

	// Raw is the original payload, retained opaquely for audit.
	Raw json.RawMessage
}

// Succeeded reports whether the gateway settled the transaction.
func (c CallbackResult) Succeeded() bool {
	return c.ResultCode == 0
}

// Outcome classifies what a reconciliation attempt did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReplayed means the payment was already terminal; nothing was
	// mutated and no notification was re-emitted.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeUnmatched means no payment carries the callback's correlation
	// id. Logged and acknowledged, never an error to the gateway.
	OutcomeUnmatched Outcome = "unmatched"
)

// ReconciliationResult reports the effect of processing one callback.
type ReconciliationResult struct {
	Outcome              Outcome               `json:"outcome"`
	PaymentID            string                `json:"payment_id,omitempty"`
	BookingID            string                `json:"booking_id,omitempty"`
	BookingPaymentStatus booking.PaymentStatus `json:"booking_payment_status,omitempty"`
}

// Reconcile matches an asynchronous gateway callback to its pending payment
// and applies the terminal transition. The payment update, ledger append,
// status re-derivation and booking lifecycle advance happen in one
// transaction; the payment row is locked for the duration, so a callback
// delivered twice in parallel observes a consistent prior state. Exactly one
// notification is emitted per distinct terminal transition.
func (s *Service) Reconcile(ctx context.Context, cb CallbackResult) (*ReconciliationResult, error) {
	result := &ReconciliationResult{}
	var notify *Payment
	var notifySuccess bool

	err := s.store.InTx(ctx, func(tx Store) error {
		p, err := tx.GetPaymentByTransactionID(ctx, cb.CorrelationID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("callback matched no payment",
					"provider", cb.Provider,
					"correlation_id", cb.CorrelationID,
					"result_code", cb.ResultCode,
				)
				result.Outcome = OutcomeUnmatched
				return nil
			}
			return err
		}

		result.PaymentID = p.ID
		result.BookingID = p.BookingID

		if p.IsTerminal() {
			s.logger.Info("callback replayed on terminal payment",
				"payment_id", p.ID,
				"status", p.Status,
				"correlation_id", cb.CorrelationID,
			)
			result.Outcome = OutcomeReplayed
			return nil
		}

		if !cb.Succeeded() {
			reason := fmt.Sprintf("gateway result %d: %s", cb.ResultCode, cb.ResultDesc)
			if err := p.MarkFailed(reason, cb.Raw); err != nil {
				return err
			}
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			s.recordCallback(ctx, tx, p, cb)

			result.Outcome = OutcomeFailed
			notify = p
			notifySuccess = false
			return nil
		}

		if cb.Amount.IsPositive() && !cb.Amount.Equal(p.Amount) {
			s.logger.Warn("callback amount differs from payment amount",
				"payment_id", p.ID,
				"expected", p.Amount.AmountMinor,
				"received", cb.Amount.AmountMinor,
			)
		}

		if err := p.MarkCompleted(time.Now().UTC(), cb.Raw); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		s.recordCallback(ctx, tx, p, cb)

		b, err := s.applyCompletion(ctx, tx, p)
		if err != nil {
			return err
		}

		result.Outcome = OutcomeCompleted
		result.BookingPaymentStatus = b.PaymentStatus
		notify = p
		notifySuccess = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notify != nil {
		if notifySuccess {
			s.notifier.PaymentSucceeded(ctx, notify)
		} else {
			s.notifier.PaymentFailed(ctx, notify)
		}
	}

	if result.Outcome == OutcomeCompleted || result.Outcome == OutcomeFailed {
		s.logger.Info("payment reconciled",
			"payment_id", result.PaymentID,
			"booking_id", result.BookingID,
			"outcome", result.Outcome,
			"booking_payment_status", result.BookingPaymentStatus,
		)
	}

	return result, nil
}

// recordCallback stores the receipt number and raw callback on the
// correlation record. Best effort: a missing record only loses audit detail.
func (s *Service) recordCallback(ctx context.Context, tx Store, p *Payment, cb CallbackResult) {
	if !p.Method.IsMobileMoney() {
		return
	}
	mt, err := tx.GetMpesaTransactionByPaymentID(ctx, p.ID)
	if err != nil {
		s.logger.Warn("no correlation record for payment", "payment_id", p.ID, "error", err)
		return
	}
	if cb.ReceiptNumber != "" {
		mt.ReceiptNumber = cb.ReceiptNumber
	}
	mt.CallbackPayload = cb.Raw
	mt.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateMpesaTransaction(ctx, mt); err != nil {
		s.logger.Warn("failed to update correlation record", "payment_id", p.ID, "error", err)
	}
}

// applyCompletion appends the payment to its booking's ledger, re-derives
// the booking payment status from the full ledger and advances a pending
// booking to confirmed for deposit/rent payments. This is the only code
// path in the service that mutates booking payment state; both the
// callback and the manual verification flows run through it.
func (s *Service) applyCompletion(ctx context.Context, tx Store, p *Payment) (*booking.Booking, error) {
	b, err := tx.GetBooking(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}

	entry := booking.LedgerEntry{
		Amount:        p.Amount,
		Method:        string(p.Method),
		TransactionID: p.LedgerTransactionID(),
		PaymentDate:   *p.PaidDate,
		Status:        booking.EntryCompleted,
	}
	if err := b.AppendLedgerEntry(entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	if b.Status == booking.StatusPending && (p.Type == TypeDeposit || p.Type == TypeRent) {
		if err := b.Confirm(); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

// Verify marks a payment completed on behalf of an administrator or the
// landlord owning the booking, for instruments that settle out of band
// (bank transfer, cash, cheque, card receipts). It shares applyCompletion
// with the callback path, so the ledger derivation rule cannot drift.
// Verifying an already-terminal payment fails with ErrInvalidState and
// never double-appends to the ledger.
func (s *Service) Verify(ctx context.Context, paymentID, transactionID, notes string, actor Actor) (*Payment, error) {
	var verified *Payment

	err := s.store.InTx(ctx, func(tx Store) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}

		b, err := tx.GetBooking(ctx, p.BookingID)
		if err != nil {
			return err
		}

		allowed := actor.Role == RoleAdmin ||
			(actor.Role == RoleLandlord && actor.ID == b.LandlordID)
		if !allowed {
			return fmt.Errorf("actor %s may not verify payment %s: %w", actor.ID, p.ID, ErrForbidden)
		}

		if p.IsTerminal() {
			return fmt.Errorf("payment %s is already %s: %w", p.ID, p.Status, ErrInvalidState)
		}

		if transactionID != "" {
			p.TransactionID = transactionID
		}
		if err := p.MarkCompleted(time.Now().UTC(), nil); err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrInvalidState)
		}
		if notes != "" {
			p.Notes = notes
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}

		if _, err := s.applyCompletion(ctx, tx, p); err != nil {
			return err
		}

		verified = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.PaymentSucceeded(ctx, verified)

	s.logger.Info("payment verified",
		"payment_id", verified.ID,
		"booking_id", verified.BookingID,
		"actor_id", actor.ID,
		"actor_role", actor.Role,
	)

	return verified, nil
}
