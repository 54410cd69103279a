package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"rentpay/internal/booking"
	"rentpay/internal/common/money"
)

// Role is the resolved role of an authenticated actor.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLandlord Role = "landlord"
	RoleTenant   Role = "tenant"
)

// Actor is the already-authenticated principal performing an operation.
// Authentication happens upstream; the core only enforces authorization.
type Actor struct {
	ID   string
	Role Role
}

// Store persists payments, bookings and mobile-money correlation records.
// InTx runs fn against a transactional view of the store; inside a
// transaction, payment lookups lock the row so concurrent reconciliation
// attempts for the same correlation id are serialized.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListBookingPayments(ctx context.Context, bookingID string) ([]*Payment, error)

	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	UpdateBooking(ctx context.Context, b *booking.Booking) error

	CreateMpesaTransaction(ctx context.Context, mt *MpesaTransaction) error
	GetMpesaTransactionByPaymentID(ctx context.Context, paymentID string) (*MpesaTransaction, error)
	UpdateMpesaTransaction(ctx context.Context, mt *MpesaTransaction) error

	InTx(ctx context.Context, fn func(tx Store) error) error
}

// STKPushRequest asks the gateway to prompt the payer for authorization.
type STKPushRequest struct {
	Phone            string
	Amount           money.Money
	AccountReference string
	Description      string
	CallbackURL      string
}

// STKPushResponse is the gateway's synchronous acceptance of a push.
type STKPushResponse struct {
	CorrelationID string
	Raw           json.RawMessage
}

// B2CRequest sends money from the business to a subscriber.
type B2CRequest struct {
	Phone    string
	Amount   money.Money
	Remarks  string
	Occasion string
}

// B2CResponse is the gateway's synchronous acceptance of a B2C transfer.
type B2CResponse struct {
	CorrelationID string
	Raw           json.RawMessage
}

// StatusResult is the outcome of a gateway-side status query.
type StatusResult struct {
	ResultCode int
	ResultDesc string
}

// ReversalRequest asks the gateway to reverse a settled transaction.
type ReversalRequest struct {
	ReceiptNumber string
	Amount        money.Money
	Remarks       string
	Occasion      string
}

// ReversalResponse is the gateway's synchronous acceptance of a reversal.
type ReversalResponse struct {
	CorrelationID string
	Raw           json.RawMessage
}

// Gateway is the mobile-money provider contract. Implementations wrap the
// provider's HTTP API; all calls are network-bound and honor the context
// deadline. The asynchronous outcome arrives later as a callback.
type Gateway interface {
	Name() string
	Push(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	Disburse(ctx context.Context, req B2CRequest) (*B2CResponse, error)
	QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error)
	Reverse(ctx context.Context, req ReversalRequest) (*ReversalResponse, error)
}

// Notifier delivers terminal payment notifications. Calls are
// fire-and-forget: implementations must not block reconciliation and their
// failures are never surfaced to the core.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, p *Payment)
	PaymentFailed(ctx context.Context, p *Payment)
}

// Config holds service tunables.
type Config struct {
	CallbackBaseURL string        `envconfig:"PAYMENT_CALLBACK_BASE_URL" required:"true"`
	GatewayTimeout  time.Duration `envconfig:"PAYMENT_GATEWAY_TIMEOUT" default:"30s"`
}

// Service orchestrates payment intents and reconciliation.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	gateways map[Method]Gateway
}

// NewService creates a new payment service.
func NewService(store Store, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		gateways: make(map[Method]Gateway),
	}
}

// RegisterGateway wires a mobile-money adapter for a payment method.
func (s *Service) RegisterGateway(method Method, gw Gateway) {
	s.gateways[method] = gw
}

// InitiateRequest is the request to start a payment against a booking.
type InitiateRequest struct {
	BookingID  string
	PayerPhone string
	// Amount overrides the default; when nil the booking's deposit amount
	// is charged.
	Amount *money.Money
	Method Method
	Type   Type
}

// Initiate creates a PENDING payment and, for mobile-money methods,
// dispatches the gateway prompt. The payment row is persisted before the
// outbound call so a callback always has a record to match even if the
// synchronous response is lost.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest, actor Actor) (*Payment, error) {
	b, err := s.store.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}

	if actor.Role != RoleAdmin && !(actor.Role == RoleTenant && actor.ID == b.TenantID) {
		return nil, fmt.Errorf("actor %s may not pay for booking %s: %w", actor.ID, b.ID, ErrForbidden)
	}

	if !b.AcceptsPayment() {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, ErrInvalidState)
	}

	amount := b.DepositAmount
	if req.Amount != nil {
		amount = *req.Amount
	}

	p, err := New(ulid.Make().String(), b.ID, amount, req.Method, req.Type)
	if err != nil {
		return nil, err
	}
	p.Reference = NewReference(p.ID)

	if req.Method.IsMobileMoney() {
		phone, err := NormalizePhone(req.PayerPhone)
		if err != nil {
			return nil, err
		}
		p.PayerPhone = phone
	}

	// Persist before calling out. A lost gateway response must still leave
	// a pending record the callback can match.
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	if !req.Method.IsMobileMoney() {
		// Cash, cheque, card and bank transfers wait for manual verification.
		s.logger.Info("payment created awaiting verification",
			"payment_id", p.ID,
			"booking_id", b.ID,
			"method", p.Method,
			"amount", p.Amount.AmountMinor,
		)
		return p, nil
	}

	mt := &MpesaTransaction{
		ID:          ulid.Make().String(),
		PaymentID:   p.ID,
		PhoneNumber: p.PayerPhone,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateMpesaTransaction(ctx, mt); err != nil {
		return nil, fmt.Errorf("create correlation record: %w", err)
	}

	gw, ok := s.gateways[req.Method]
	if !ok {
		gerr := &GatewayError{Provider: string(req.Method), Message: "no gateway configured"}
		s.failPayment(ctx, p, gerr.Error(), nil)
		return p, gerr
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	resp, err := gw.Push(pushCtx, STKPushRequest{
		Phone:            p.PayerPhone,
		Amount:           p.Amount,
		AccountReference: p.Reference,
		Description:      fmt.Sprintf("%s payment for booking %s", p.Type, b.ID),
		CallbackURL:      s.cfg.CallbackBaseURL + "/callbacks/" + gw.Name(),
	})
	if err != nil {
		// Terminal: the tenant retries by initiating a new payment.
		s.failPayment(ctx, p, err.Error(), nil)
		if IsGatewayError(err) {
			return p, err
		}
		return p, &GatewayError{Provider: gw.Name(), Message: err.Error(), Err: err}
	}

	p.TransactionID = resp.CorrelationID
	p.PaymentDetails = resp.Raw
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("store correlation id: %w", err)
	}

	mt.CorrelationID = resp.CorrelationID
	mt.RequestPayload = resp.Raw
	mt.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateMpesaTransaction(ctx, mt); err != nil {
		return nil, fmt.Errorf("update correlation record: %w", err)
	}

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"booking_id", b.ID,
		"method", p.Method,
		"amount", p.Amount.AmountMinor,
		"correlation_id", p.TransactionID,
	)

	return p, nil
}

func (s *Service) failPayment(ctx context.Context, p *Payment, reason string, details json.RawMessage) {
	if err := p.MarkFailed(reason, details); err != nil {
		s.logger.Error("cannot mark payment failed", "payment_id", p.ID, "error", err)
		return
	}
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		s.logger.Error("failed to persist failed payment", "payment_id", p.ID, "error", err)
		return
	}
	s.notifier.PaymentFailed(ctx, p)
	s.logger.Warn("payment failed at dispatch",
		"payment_id", p.ID,
		"reason", reason,
	)
}

// GetPayment returns a payment visible to the actor.
func (s *Service) GetPayment(ctx context.Context, id string, actor Actor) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, p.BookingID, actor); err != nil {
		return nil, err
	}
	return p, nil
}

// ListBookingPayments returns all payments for a booking visible to the actor.
func (s *Service) ListBookingPayments(ctx context.Context, bookingID string, actor Actor) ([]*Payment, error) {
	if err := s.authorizeRead(ctx, bookingID, actor); err != nil {
		return nil, err
	}
	return s.store.ListBookingPayments(ctx, bookingID)
}

func (s *Service) authorizeRead(ctx context.Context, bookingID string, actor Actor) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	switch actor.Role {
	case RoleLandlord:
		if actor.ID == b.LandlordID {
			return nil
		}
	case RoleTenant:
		if actor.ID == b.TenantID {
			return nil
		}
	}
	return ErrForbidden
}

// QueryGatewayStatus queries the gateway for a pending mobile-money
// payment's current status. Read-only; the authoritative transition still
// comes from the callback or manual verification.
func (s *Service) QueryGatewayStatus(ctx context.Context, paymentID string, actor Actor) (*StatusResult, error) {
	p, err := s.GetPayment(ctx, paymentID, actor)
	if err != nil {
		return nil, err
	}
	if !p.Method.IsMobileMoney() || p.TransactionID == "" {
		return nil, fmt.Errorf("payment %s has no gateway transaction: %w", p.ID, ErrInvalidState)
	}

	gw, ok := s.gateways[p.Method]
	if !ok {
		return nil, &GatewayError{Provider: string(p.Method), Message: "no gateway configured"}
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	return gw.QueryStatus(queryCtx, p.TransactionID)
}

// Reverse reverses a completed mobile-money payment through the gateway's
// reversal API and backs the entry out of the booking ledger. Admin only.
func (s *Service) Reverse(ctx context.Context, paymentID, remarks string, actor Actor) (*Payment, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, ErrInvalidState)
	}
	if !p.Method.IsMobileMoney() {
		return nil, fmt.Errorf("payment %s used %s, reverse manually: %w", p.ID, p.Method, ErrInvalidState)
	}

	mt, err := s.store.GetMpesaTransactionByPaymentID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if mt.ReceiptNumber == "" {
		return nil, fmt.Errorf("payment %s has no gateway receipt: %w", p.ID, ErrInvalidState)
	}

	gw, ok := s.gateways[p.Method]
	if !ok {
		return nil, &GatewayError{Provider: string(p.Method), Message: "no gateway configured"}
	}

	revCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	resp, err := gw.Reverse(revCtx, ReversalRequest{
		ReceiptNumber: mt.ReceiptNumber,
		Amount:        p.Amount,
		Remarks:       remarks,
		Occasion:      p.Reference,
	})
	if err != nil {
		if IsGatewayError(err) {
			return nil, err
		}
		return nil, &GatewayError{Provider: gw.Name(), Message: err.Error(), Err: err}
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		locked, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := locked.MarkReversed(resp.CorrelationID, locked.Amount); err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrInvalidState)
		}
		if remarks != "" {
			locked.Notes = remarks
		}
		if err := tx.UpdatePayment(ctx, locked); err != nil {
			return err
		}

		b, err := tx.GetBooking(ctx, locked.BookingID)
		if err != nil {
			return err
		}
		if err := b.ReverseLedgerEntry(locked.LedgerTransactionID()); err != nil {
			return fmt.Errorf("reverse ledger entry: %w", err)
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}

		p = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment reversed",
		"payment_id", p.ID,
		"booking_id", p.BookingID,
		"refund_id", p.RefundID,
	)

	return p, nil
}

// Refund sends money back to the payer via B2C for a completed mobile-money
// payment, used when the gateway reversal window has passed. A full refund
// also backs the entry out of the booking ledger. Admin only.
func (s *Service) Refund(ctx context.Context, paymentID string, amount money.Money, remarks string, actor Actor) (*Payment, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, ErrInvalidState)
	}
	if !p.Method.IsMobileMoney() || p.PayerPhone == "" {
		return nil, fmt.Errorf("payment %s has no payer phone for B2C refund: %w", p.ID, ErrInvalidState)
	}
	if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
		return nil, fmt.Errorf("refund amount out of range: %w", ErrInvalidState)
	}

	gw, ok := s.gateways[p.Method]
	if !ok {
		return nil, &GatewayError{Provider: string(p.Method), Message: "no gateway configured"}
	}

	disburseCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	resp, err := gw.Disburse(disburseCtx, B2CRequest{
		Phone:    p.PayerPhone,
		Amount:   amount,
		Remarks:  remarks,
		Occasion: p.Reference,
	})
	if err != nil {
		if IsGatewayError(err) {
			return nil, err
		}
		return nil, &GatewayError{Provider: gw.Name(), Message: err.Error(), Err: err}
	}

	fullRefund := amount.Equal(p.Amount)

	err = s.store.InTx(ctx, func(tx Store) error {
		locked, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := locked.RecordRefund(resp.CorrelationID, amount); err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrInvalidState)
		}
		if err := tx.UpdatePayment(ctx, locked); err != nil {
			return err
		}

		if fullRefund {
			b, err := tx.GetBooking(ctx, locked.BookingID)
			if err != nil {
				return err
			}
			if err := b.ReverseLedgerEntry(locked.LedgerTransactionID()); err != nil {
				return fmt.Errorf("reverse ledger entry: %w", err)
			}
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
		}

		p = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment refunded",
		"payment_id", p.ID,
		"refund_id", p.RefundID,
		"amount", amount.AmountMinor,
		"full", fullRefund,
	)

	return p, nil
}
