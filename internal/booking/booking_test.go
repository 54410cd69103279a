package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentpay/internal/common/money"
)

func entry(amountMinor int64, txnID string, status EntryStatus) LedgerEntry {
	return LedgerEntry{
		Amount:        money.New(amountMinor, money.KES),
		Method:        "mpesa",
		TransactionID: txnID,
		PaymentDate:   time.Now().UTC(),
		Status:        status,
	}
}

func TestDerivePaymentStatus(t *testing.T) {
	total := money.New(5_000_000, money.KES)
	deposit := money.New(1_000_000, money.KES)

	tests := []struct {
		name   string
		ledger []LedgerEntry
		want   PaymentStatus
	}{
		{name: "empty ledger", ledger: nil, want: PaymentUnpaid},
		{name: "only reversed entries", ledger: []LedgerEntry{entry(1_000_000, "t1", EntryReversed)}, want: PaymentUnpaid},
		{name: "partial", ledger: []LedgerEntry{entry(1_000_000, "t1", EntryCompleted)}, want: PaymentPartial},
		{name: "one below threshold", ledger: []LedgerEntry{entry(5_999_999, "t1", EntryCompleted)}, want: PaymentPartial},
		{name: "exactly threshold", ledger: []LedgerEntry{
			entry(1_000_000, "t1", EntryCompleted),
			entry(5_000_000, "t2", EntryCompleted),
		}, want: PaymentPaid},
		{name: "overpaid", ledger: []LedgerEntry{entry(7_000_000, "t1", EntryCompleted)}, want: PaymentPaid},
		{name: "reversed entry excluded from sum", ledger: []LedgerEntry{
			entry(5_000_000, "t1", EntryCompleted),
			entry(1_000_000, "t2", EntryReversed),
		}, want: PaymentPartial},
		{name: "foreign currency excluded", ledger: []LedgerEntry{
			{Amount: money.New(6_000_000, money.USD), TransactionID: "t1", Status: EntryCompleted},
		}, want: PaymentUnpaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePaymentStatus(tt.ledger, total, deposit))
		})
	}
}

func newBooking() *Booking {
	return &Booking{
		ID:            "booking-1",
		PropertyID:    "prop-1",
		LandlordID:    "landlord-1",
		TenantID:      "tenant-1",
		TotalAmount:   money.New(5_000_000, money.KES),
		DepositAmount: money.New(1_000_000, money.KES),
		PaymentStatus: PaymentUnpaid,
		Status:        StatusPending,
	}
}

func TestAppendLedgerEntry(t *testing.T) {
	b := newBooking()

	require.NoError(t, b.AppendLedgerEntry(entry(1_000_000, "t1", EntryCompleted)))
	assert.Equal(t, PaymentPartial, b.PaymentStatus)
	assert.True(t, b.DepositPaid)

	require.NoError(t, b.AppendLedgerEntry(entry(5_000_000, "t2", EntryCompleted)))
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
}

func TestAppendLedgerEntryRejectsDuplicateTransaction(t *testing.T) {
	b := newBooking()
	require.NoError(t, b.AppendLedgerEntry(entry(1_000_000, "t1", EntryCompleted)))

	err := b.AppendLedgerEntry(entry(1_000_000, "t1", EntryCompleted))
	assert.ErrorContains(t, err, "duplicate")
	assert.Len(t, b.Ledger, 1)
	assert.Equal(t, PaymentPartial, b.PaymentStatus)
}

func TestAppendLedgerEntryRejectsNonPositiveAmount(t *testing.T) {
	b := newBooking()
	assert.Error(t, b.AppendLedgerEntry(entry(0, "t1", EntryCompleted)))
	assert.Error(t, b.AppendLedgerEntry(entry(-100, "t2", EntryCompleted)))
}

func TestReverseLedgerEntry(t *testing.T) {
	b := newBooking()
	require.NoError(t, b.AppendLedgerEntry(entry(1_000_000, "t1", EntryCompleted)))
	require.Equal(t, PaymentPartial, b.PaymentStatus)

	require.NoError(t, b.ReverseLedgerEntry("t1"))
	assert.Equal(t, EntryReversed, b.Ledger[0].Status)
	assert.Equal(t, PaymentUnpaid, b.PaymentStatus)
	assert.False(t, b.DepositPaid)

	assert.Error(t, b.ReverseLedgerEntry("t1"), "already reversed")
	assert.Error(t, b.ReverseLedgerEntry("missing"))
}

func TestConfirm(t *testing.T) {
	b := newBooking()
	require.NoError(t, b.Confirm())
	assert.Equal(t, StatusConfirmed, b.Status)

	assert.Error(t, b.Confirm(), "only pending bookings can be confirmed")
}

func TestAcceptsPayment(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusConfirmed, true},
		{StatusCancelled, false},
		{StatusCompleted, false},
	}

	for _, tt := range tests {
		b := newBooking()
		b.Status = tt.status
		assert.Equal(t, tt.want, b.AcceptsPayment(), string(tt.status))
	}
}

func TestOutstandingAmount(t *testing.T) {
	b := newBooking()
	assert.Equal(t, int64(6_000_000), b.OutstandingAmount().AmountMinor)

	require.NoError(t, b.AppendLedgerEntry(entry(1_000_000, "t1", EntryCompleted)))
	assert.Equal(t, int64(5_000_000), b.OutstandingAmount().AmountMinor)

	require.NoError(t, b.AppendLedgerEntry(entry(6_000_000, "t2", EntryCompleted)))
	assert.True(t, b.OutstandingAmount().IsZero(), "never negative")
}

func TestDepositPaidWithZeroDeposit(t *testing.T) {
	b := newBooking()
	b.DepositAmount = money.Zero(money.KES)

	require.NoError(t, b.AppendLedgerEntry(entry(100, "t1", EntryCompleted)))
	assert.True(t, b.DepositPaid)
}
