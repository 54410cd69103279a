package payment

import (
	"context"
	"errors"
	"sync"

	"rentpay/internal/booking"
)

// memStore is an in-memory Store with transactional semantics: InTx runs fn
// against a deep copy and merges back only on success, so a failing step
// rolls everything back the way the database transaction would.
type memStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
	bookings map[string]*booking.Booking
	mpesa    map[string]*MpesaTransaction

	// fault injection
	failUpdateBooking bool
	failUpdatePayment bool
}

func newMemStore() *memStore {
	return &memStore{
		payments: make(map[string]*Payment),
		bookings: make(map[string]*booking.Booking),
		mpesa:    make(map[string]*MpesaTransaction),
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.PaidDate != nil {
		d := *p.PaidDate
		cp.PaidDate = &d
	}
	return &cp
}

func cloneBooking(b *booking.Booking) *booking.Booking {
	cb := *b
	cb.Ledger = append([]booking.LedgerEntry(nil), b.Ledger...)
	return &cb
}

func cloneMpesa(mt *MpesaTransaction) *MpesaTransaction {
	cm := *mt
	return &cm
}

func (s *memStore) snapshot() *memStore {
	child := newMemStore()
	child.failUpdateBooking = s.failUpdateBooking
	child.failUpdatePayment = s.failUpdatePayment
	for k, v := range s.payments {
		child.payments[k] = clonePayment(v)
	}
	for k, v := range s.bookings {
		child.bookings[k] = cloneBooking(v)
	}
	for k, v := range s.mpesa {
		child.mpesa[k] = cloneMpesa(v)
	}
	return child
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := s.snapshot()
	if err := fn(child); err != nil {
		return err
	}
	s.payments = child.payments
	s.bookings = child.bookings
	s.mpesa = child.mpesa
	return nil
}

func (s *memStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *memStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *memStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error) {
	for _, p := range s.payments {
		if p.TransactionID != "" && p.TransactionID == transactionID {
			return clonePayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) UpdatePayment(ctx context.Context, p *Payment) error {
	if s.failUpdatePayment {
		return errors.New("injected payment update failure")
	}
	if _, ok := s.payments[p.ID]; !ok {
		return ErrNotFound
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *memStore) ListBookingPayments(ctx context.Context, bookingID string) ([]*Payment, error) {
	var out []*Payment
	for _, p := range s.payments {
		if p.BookingID == bookingID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (s *memStore) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (s *memStore) UpdateBooking(ctx context.Context, b *booking.Booking) error {
	if s.failUpdateBooking {
		return errors.New("injected booking update failure")
	}
	if _, ok := s.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	s.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (s *memStore) CreateMpesaTransaction(ctx context.Context, mt *MpesaTransaction) error {
	s.mpesa[mt.PaymentID] = cloneMpesa(mt)
	return nil
}

func (s *memStore) GetMpesaTransactionByPaymentID(ctx context.Context, paymentID string) (*MpesaTransaction, error) {
	mt, ok := s.mpesa[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMpesa(mt), nil
}

func (s *memStore) UpdateMpesaTransaction(ctx context.Context, mt *MpesaTransaction) error {
	if _, ok := s.mpesa[mt.PaymentID]; !ok {
		return ErrNotFound
	}
	s.mpesa[mt.PaymentID] = cloneMpesa(mt)
	return nil
}

// fakeGateway is a scriptable Gateway.
type fakeGateway struct {
	name string

	pushResp *STKPushResponse
	pushErr  error
	lastPush STKPushRequest

	disburseResp *B2CResponse
	disburseErr  error

	statusResp *StatusResult
	statusErr  error

	reverseResp *ReversalResponse
	reverseErr  error
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Push(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	g.lastPush = req
	return g.pushResp, g.pushErr
}

func (g *fakeGateway) Disburse(ctx context.Context, req B2CRequest) (*B2CResponse, error) {
	return g.disburseResp, g.disburseErr
}

func (g *fakeGateway) QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error) {
	return g.statusResp, g.statusErr
}

func (g *fakeGateway) Reverse(ctx context.Context, req ReversalRequest) (*ReversalResponse, error) {
	return g.reverseResp, g.reverseErr
}

// recordingNotifier counts terminal notifications per payment.
type recordingNotifier struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
}

func (n *recordingNotifier) PaymentSucceeded(ctx context.Context, p *Payment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, p.ID)
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, p *Payment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, p.ID)
}
