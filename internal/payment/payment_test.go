package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentpay/internal/common/money"
)

func newPending(t *testing.T) *Payment {
	t.Helper()
	p, err := New("pay-1", "booking-1", money.New(1_000_000, money.KES), MethodMpesa, TypeDeposit)
	require.NoError(t, err)
	return p
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		bookingID string
		amount    money.Money
		wantErr   string
	}{
		{name: "valid", id: "pay-1", bookingID: "booking-1", amount: money.New(100, money.KES)},
		{name: "missing id", bookingID: "booking-1", amount: money.New(100, money.KES), wantErr: "id is required"},
		{name: "missing booking", id: "pay-1", amount: money.New(100, money.KES), wantErr: "booking_id is required"},
		{name: "zero amount", id: "pay-1", bookingID: "booking-1", amount: money.New(0, money.KES), wantErr: "amount must be positive"},
		{name: "negative amount", id: "pay-1", bookingID: "booking-1", amount: money.New(-100, money.KES), wantErr: "amount must be positive"},
		{name: "unsupported currency", id: "pay-1", bookingID: "booking-1", amount: money.New(100, "XXX"), wantErr: "unsupported currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.id, tt.bookingID, tt.amount, MethodMpesa, TypeDeposit)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPending, p.Status)
			assert.False(t, p.IsTerminal())
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Run("pending to completed", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkCompleted(time.Now(), nil))
		assert.Equal(t, StatusCompleted, p.Status)
		assert.NotNil(t, p.PaidDate)
		assert.True(t, p.IsTerminal())
	})

	t.Run("pending to failed", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkFailed("gateway result 1032: cancelled", nil))
		assert.Equal(t, StatusFailed, p.Status)
		assert.Contains(t, p.Notes, "1032")
		assert.True(t, p.IsTerminal())
	})

	t.Run("completed cannot complete again", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkCompleted(time.Now(), nil))
		assert.Error(t, p.MarkCompleted(time.Now(), nil))
	})

	t.Run("failed cannot complete", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkFailed("x", nil))
		assert.Error(t, p.MarkCompleted(time.Now(), nil))
	})

	t.Run("completed to reversed", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkCompleted(time.Now(), nil))
		require.NoError(t, p.MarkReversed("rev-1", p.Amount))
		assert.Equal(t, StatusReversed, p.Status)
		assert.True(t, p.Refunded)
	})

	t.Run("pending cannot reverse", func(t *testing.T) {
		p := newPending(t)
		assert.Error(t, p.MarkReversed("rev-1", p.Amount))
	})

	t.Run("refund exceeding amount rejected", func(t *testing.T) {
		p := newPending(t)
		require.NoError(t, p.MarkCompleted(time.Now(), nil))
		assert.Error(t, p.RecordRefund("rf-1", money.New(2_000_000, money.KES)))
	})
}

func TestLedgerTransactionID(t *testing.T) {
	p := newPending(t)
	assert.Equal(t, p.ID, p.LedgerTransactionID(), "manual payments fall back to the payment id")

	p.TransactionID = "ws_CO_123"
	assert.Equal(t, "ws_CO_123", p.LedgerTransactionID())
}

func TestNewReference(t *testing.T) {
	ref := NewReference("01HV3ZJXJ4T1Q6R8S9ABCDEF99")
	assert.Equal(t, "RENT-ABCDEF99", ref)
	assert.Equal(t, ref, NewReference("01HV3ZJXJ4T1Q6R8S9ABCDEF99"), "stable per payment")
}
