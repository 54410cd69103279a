package payment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentpay/internal/booking"
	"rentpay/internal/common/money"
)

func successCallback(correlationID, receipt string, amountMinor int64) CallbackResult {
	return CallbackResult{
		Provider:      "mpesa",
		CorrelationID: correlationID,
		ResultCode:    0,
		ResultDesc:    "The service request is processed successfully.",
		ReceiptNumber: receipt,
		Amount:        money.New(amountMinor, money.KES),
		PhoneNumber:   "254712345678",
		Raw:           json.RawMessage(`{"Body":{}}`),
	}
}

func initiatePending(t *testing.T, svc *Service, amountMinor int64, ptype Type) *Payment {
	t.Helper()

	var amount *money.Money
	if amountMinor > 0 {
		m := money.New(amountMinor, money.KES)
		amount = &m
	}
	p, err := svc.Initiate(context.Background(), InitiateRequest{
		BookingID:  "booking-1",
		PayerPhone: "0712345678",
		Amount:     amount,
		Method:     MethodMpesa,
		Type:       ptype,
	}, tenantActor)
	require.NoError(t, err)
	return p
}

func TestReconcileDepositConfirmsBooking(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p := initiatePending(t, svc, 0, TypeDeposit)

	res, err := svc.Reconcile(context.Background(), successCallback(p.TransactionID, "NLJ7RT61SV", 1_000_000))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, p.ID, res.PaymentID)
	assert.Equal(t, booking.PaymentPartial, res.BookingPaymentStatus)

	stored, err := store.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.PaidDate)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	require.Len(t, b.Ledger, 1)
	assert.Equal(t, int64(1_000_000), b.Ledger[0].Amount.AmountMinor)
	assert.Equal(t, p.TransactionID, b.Ledger[0].TransactionID)
	assert.Equal(t, booking.StatusConfirmed, b.Status, "deposit settlement confirms a pending booking")
	assert.True(t, b.DepositPaid)

	mt, err := store.GetMpesaTransactionByPaymentID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "NLJ7RT61SV", mt.ReceiptNumber)

	assert.Equal(t, []string{p.ID}, notifier.succeeded)
	assert.Empty(t, notifier.failed)
}

func TestReconcileFullBalanceMarksPaid(t *testing.T) {
	svc, store, gw, _ := newTestService(t)
	seedBooking(t, store, "booking-1")

	deposit := initiatePending(t, svc, 0, TypeDeposit)
	_, err := svc.Reconcile(context.Background(), successCallback(deposit.TransactionID, "NLJ7RT61SV", 1_000_000))
	require.NoError(t, err)

	gw.pushResp = &STKPushResponse{CorrelationID: "ws_CO_second", Raw: json.RawMessage(`{}`)}
	rent := initiatePending(t, svc, 5_000_000, TypeRent)

	res, err := svc.Reconcile(context.Background(), successCallback(rent.TransactionID, "NLJ7RT62AB", 5_000_000))
	require.NoError(t, err)
	assert.Equal(t, booking.PaymentPaid, res.BookingPaymentStatus)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Len(t, b.Ledger, 2)
	assert.Equal(t, booking.PaymentPaid, b.PaymentStatus)
}

func TestReconcileFailureCallback(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p := initiatePending(t, svc, 0, TypeDeposit)

	res, err := svc.Reconcile(context.Background(), CallbackResult{
		Provider:      "mpesa",
		CorrelationID: p.TransactionID,
		ResultCode:    1032,
		ResultDesc:    "Request cancelled by user",
		Raw:           json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	stored, err := store.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.Notes, "1032")

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Empty(t, b.Ledger, "failed payments never touch the ledger")
	assert.Equal(t, booking.PaymentUnpaid, b.PaymentStatus)
	assert.Equal(t, booking.StatusPending, b.Status)

	assert.Equal(t, []string{p.ID}, notifier.failed)
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p := initiatePending(t, svc, 0, TypeDeposit)
	cb := successCallback(p.TransactionID, "NLJ7RT61SV", 1_000_000)

	first, err := svc.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	// Same callback delivered again.
	second, err := svc.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, second.Outcome)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Len(t, b.Ledger, 1, "replay must not double-append")
	assert.Len(t, notifier.succeeded, 1, "replay must not re-notify")
}

func TestReconcileUnmatchedCallbackIsAcked(t *testing.T) {
	svc, _, _, notifier := newTestService(t)

	res, err := svc.Reconcile(context.Background(), successCallback("ws_CO_unknown", "NLJ7RT61SV", 1_000_000))
	require.NoError(t, err, "unmatched callbacks are logged, never errors")
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Empty(t, notifier.succeeded)
}

func TestReconcileRollsBackOnBookingUpdateFailure(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p := initiatePending(t, svc, 0, TypeDeposit)

	store.failUpdateBooking = true
	_, err := svc.Reconcile(context.Background(), successCallback(p.TransactionID, "NLJ7RT61SV", 1_000_000))
	require.Error(t, err)

	// The whole unit of work rolled back: the payment is still pending and
	// can be reconciled by the retried callback.
	stored, err := store.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Empty(t, b.Ledger)
	assert.Empty(t, notifier.succeeded)

	// Retry after the fault clears.
	store.failUpdateBooking = false
	res, err := svc.Reconcile(context.Background(), successCallback(p.TransactionID, "NLJ7RT61SV", 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, notifier.succeeded, 1)
}

func TestReconcileAmountMismatchStillCompletes(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedBooking(t, store, "booking-1")

	p := initiatePending(t, svc, 0, TypeDeposit)

	// Gateway reports a different settled amount; the payment completes and
	// the discrepancy is logged for ops.
	res, err := svc.Reconcile(context.Background(), successCallback(p.TransactionID, "NLJ7RT61SV", 999_900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	require.Len(t, b.Ledger, 1)
	assert.Equal(t, int64(1_000_000), b.Ledger[0].Amount.AmountMinor, "ledger records the intent amount")
}

func TestVerifyManualPayment(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p, err := svc.Initiate(context.Background(), InitiateRequest{
		BookingID: "booking-1",
		Method:    MethodBankTransfer,
		Type:      TypeDeposit,
	}, tenantActor)
	require.NoError(t, err)

	verified, err := svc.Verify(context.Background(), p.ID, "FT25081512345", "bank slip sighted", landlordActor)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, verified.Status)
	assert.Equal(t, "FT25081512345", verified.TransactionID)
	assert.Equal(t, "bank slip sighted", verified.Notes)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	require.Len(t, b.Ledger, 1)
	assert.Equal(t, "FT25081512345", b.Ledger[0].TransactionID)
	assert.Equal(t, booking.PaymentPartial, b.PaymentStatus)
	assert.Equal(t, booking.StatusConfirmed, b.Status)

	assert.Equal(t, []string{p.ID}, notifier.succeeded)
}

func TestVerifyAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		wantErr error
	}{
		{name: "admin allowed", actor: adminActor},
		{name: "owning landlord allowed", actor: landlordActor},
		{name: "other landlord forbidden", actor: Actor{ID: "landlord-2", Role: RoleLandlord}, wantErr: ErrForbidden},
		{name: "tenant forbidden", actor: tenantActor, wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _, _ := newTestService(t)
			seedBooking(t, store, "booking-1")

			p, err := svc.Initiate(context.Background(), InitiateRequest{
				BookingID: "booking-1",
				Method:    MethodCash,
				Type:      TypeDeposit,
			}, tenantActor)
			require.NoError(t, err)

			_, err = svc.Verify(context.Background(), p.ID, "", "", tt.actor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyTerminalPaymentRejected(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedBooking(t, store, "booking-1")

	p, err := svc.Initiate(context.Background(), InitiateRequest{
		BookingID: "booking-1",
		Method:    MethodCash,
		Type:      TypeDeposit,
	}, tenantActor)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), p.ID, "", "", adminActor)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), p.ID, "", "", adminActor)
	assert.ErrorIs(t, err, ErrInvalidState)

	b, err := store.GetBooking(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Len(t, b.Ledger, 1, "second verification must not double-append")
	assert.Len(t, notifier.succeeded, 1)
}

func TestVerifyUnknownPayment(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Verify(context.Background(), "missing", "", "", adminActor)
	assert.ErrorIs(t, err, ErrNotFound)
}
