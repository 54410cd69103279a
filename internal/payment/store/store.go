// Package store implements the payment.Store interface on PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"rentpay/internal/booking"
	"rentpay/internal/common/database"
	"rentpay/internal/common/money"
	"rentpay/internal/payment"
)

// Store persists payments, bookings and mpesa correlation records. Outside
// a transaction it queries through the pool; InTx yields a view bound to a
// pgx transaction where payment lookups take row locks.
type Store struct {
	db   *database.DB
	q    database.Querier
	inTx bool
}

// New creates a new PostgreSQL store.
func New(db *database.DB) *Store {
	return &Store{db: db, q: db.Pool()}
}

var _ payment.Store = (*Store)(nil)

// InTx runs fn against a transactional store view. Reconciliation relies on
// this for its single atomic unit of work: either every mutation inside fn
// commits, or none do.
func (s *Store) InTx(ctx context.Context, fn func(tx payment.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Store{db: s.db, q: tx, inTx: true})
	})
}

// lockClause serializes concurrent reconciliation attempts on one payment.
func (s *Store) lockClause() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

const paymentColumns = `
	id, booking_id, amount_minor, currency, method, type, status,
	payer_phone, reference, transaction_id, payment_details, notes,
	paid_date, refunded, refund_amount_minor, refund_id,
	created_at, updated_at`

// CreatePayment inserts a new payment record.
func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := s.q.Exec(ctx, query,
		p.ID,
		p.BookingID,
		p.Amount.AmountMinor,
		string(p.Amount.Currency),
		string(p.Method),
		string(p.Type),
		string(p.Status),
		nullableString(p.PayerPhone),
		p.Reference,
		nullableString(p.TransactionID),
		rawOrEmpty(p.PaymentDetails),
		nullableString(p.Notes),
		p.PaidDate,
		p.Refunded,
		p.RefundAmount.AmountMinor,
		nullableString(p.RefundID),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by id.
func (s *Store) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1` + s.lockClause()
	return s.scanPayment(s.q.QueryRow(ctx, query, id))
}

// GetPaymentByTransactionID retrieves a payment by its gateway correlation id.
func (s *Store) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1` + s.lockClause()
	return s.scanPayment(s.q.QueryRow(ctx, query, transactionID))
}

// UpdatePayment persists the mutable fields of a payment.
func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	query := `
		UPDATE payments
		SET status = $2, transaction_id = $3, payment_details = $4,
		    notes = $5, paid_date = $6, refunded = $7,
		    refund_amount_minor = $8, refund_id = $9, updated_at = $10
		WHERE id = $1
	`

	result, err := s.q.Exec(ctx, query,
		p.ID,
		string(p.Status),
		nullableString(p.TransactionID),
		rawOrEmpty(p.PaymentDetails),
		nullableString(p.Notes),
		p.PaidDate,
		p.Refunded,
		p.RefundAmount.AmountMinor,
		nullableString(p.RefundID),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, payment.ErrNotFound)
	}
	return nil
}

// ListBookingPayments retrieves all payments for a booking, oldest first.
func (s *Store) ListBookingPayments(ctx context.Context, bookingID string) ([]*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1 ORDER BY created_at ASC`

	rows, err := s.q.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("query booking payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) scanPayment(row pgx.Row) (*payment.Payment, error) {
	var p payment.Payment
	var currency, method, ptype, status string
	var payerPhone, transactionID, notes, refundID *string
	var details []byte
	var refundMinor int64

	err := row.Scan(
		&p.ID,
		&p.BookingID,
		&p.Amount.AmountMinor,
		&currency,
		&method,
		&ptype,
		&status,
		&payerPhone,
		&p.Reference,
		&transactionID,
		&details,
		&notes,
		&p.PaidDate,
		&p.Refunded,
		&refundMinor,
		&refundID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Amount.Currency = money.Currency(currency)
	p.Method = payment.Method(method)
	p.Type = payment.Type(ptype)
	p.Status = payment.Status(status)
	p.RefundAmount = money.New(refundMinor, p.Amount.Currency)
	if payerPhone != nil {
		p.PayerPhone = *payerPhone
	}
	if transactionID != nil {
		p.TransactionID = *transactionID
	}
	if notes != nil {
		p.Notes = *notes
	}
	if refundID != nil {
		p.RefundID = *refundID
	}
	if len(details) > 0 {
		p.PaymentDetails = json.RawMessage(details)
	}

	return &p, nil
}

// GetBooking retrieves a booking with its payment ledger.
func (s *Store) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	query := `
		SELECT id, property_id, landlord_id, tenant_id,
		       total_amount_minor, deposit_amount_minor, currency,
		       payment_status, deposit_paid, status, ledger,
		       created_at, updated_at
		FROM bookings
		WHERE id = $1` + s.lockClause()

	var b booking.Booking
	var currency, paymentStatus, status string
	var ledgerJSON []byte

	err := s.q.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.PropertyID,
		&b.LandlordID,
		&b.TenantID,
		&b.TotalAmount.AmountMinor,
		&b.DepositAmount.AmountMinor,
		&currency,
		&paymentStatus,
		&b.DepositPaid,
		&status,
		&ledgerJSON,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}

	b.TotalAmount.Currency = money.Currency(currency)
	b.DepositAmount.Currency = money.Currency(currency)
	b.PaymentStatus = booking.PaymentStatus(paymentStatus)
	b.Status = booking.Status(status)
	if len(ledgerJSON) > 0 {
		if err := json.Unmarshal(ledgerJSON, &b.Ledger); err != nil {
			return nil, fmt.Errorf("decode booking ledger: %w", err)
		}
	}

	return &b, nil
}

// UpdateBooking persists the booking's ledger and derived status fields.
func (s *Store) UpdateBooking(ctx context.Context, b *booking.Booking) error {
	ledgerJSON, err := json.Marshal(b.Ledger)
	if err != nil {
		return fmt.Errorf("encode booking ledger: %w", err)
	}

	query := `
		UPDATE bookings
		SET payment_status = $2, deposit_paid = $3, status = $4,
		    ledger = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := s.q.Exec(ctx, query,
		b.ID,
		string(b.PaymentStatus),
		b.DepositPaid,
		string(b.Status),
		ledgerJSON,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("booking %s: %w", b.ID, payment.ErrNotFound)
	}
	return nil
}

// CreateMpesaTransaction inserts a correlation record.
func (s *Store) CreateMpesaTransaction(ctx context.Context, mt *payment.MpesaTransaction) error {
	query := `
		INSERT INTO mpesa_transactions (
			id, payment_id, correlation_id, phone_number, receipt_number,
			request_payload, callback_payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.q.Exec(ctx, query,
		mt.ID,
		mt.PaymentID,
		nullableString(mt.CorrelationID),
		mt.PhoneNumber,
		nullableString(mt.ReceiptNumber),
		rawOrEmpty(mt.RequestPayload),
		rawOrEmpty(mt.CallbackPayload),
		mt.CreatedAt,
		mt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mpesa transaction: %w", err)
	}
	return nil
}

// GetMpesaTransactionByPaymentID retrieves the correlation record for a payment.
func (s *Store) GetMpesaTransactionByPaymentID(ctx context.Context, paymentID string) (*payment.MpesaTransaction, error) {
	query := `
		SELECT id, payment_id, correlation_id, phone_number, receipt_number,
		       request_payload, callback_payload, created_at, updated_at
		FROM mpesa_transactions
		WHERE payment_id = $1` + s.lockClause()

	var mt payment.MpesaTransaction
	var correlationID, receiptNumber *string
	var requestPayload, callbackPayload []byte

	err := s.q.QueryRow(ctx, query, paymentID).Scan(
		&mt.ID,
		&mt.PaymentID,
		&correlationID,
		&mt.PhoneNumber,
		&receiptNumber,
		&requestPayload,
		&callbackPayload,
		&mt.CreatedAt,
		&mt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("scan mpesa transaction: %w", err)
	}

	if correlationID != nil {
		mt.CorrelationID = *correlationID
	}
	if receiptNumber != nil {
		mt.ReceiptNumber = *receiptNumber
	}
	if len(requestPayload) > 0 {
		mt.RequestPayload = json.RawMessage(requestPayload)
	}
	if len(callbackPayload) > 0 {
		mt.CallbackPayload = json.RawMessage(callbackPayload)
	}

	return &mt, nil
}

// UpdateMpesaTransaction persists correlation, receipt and payload fields.
func (s *Store) UpdateMpesaTransaction(ctx context.Context, mt *payment.MpesaTransaction) error {
	query := `
		UPDATE mpesa_transactions
		SET correlation_id = $2, receipt_number = $3,
		    request_payload = $4, callback_payload = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := s.q.Exec(ctx, query,
		mt.ID,
		nullableString(mt.CorrelationID),
		nullableString(mt.ReceiptNumber),
		rawOrEmpty(mt.RequestPayload),
		rawOrEmpty(mt.CallbackPayload),
		mt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update mpesa transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("mpesa transaction %s: %w", mt.ID, payment.ErrNotFound)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
