package cardwise

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWireTxn() WireTransaction {
	return WireTransaction{
		ID:           "txn-1",
		CardID:       "card-9",
		UserID:       "user-3",
		Amount:       42.75,
		Currency:     "USD",
		MerchantName: "Stadium Parking LLC",
		Department:   "field-ops",
		OccurredAt:   "2026-04-02T18:30:00Z",
		Status:       "settled",
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	var m Mapper
	w := sampleWireTxn()

	txn, err := m.TransactionToInternal(w)
	require.NoError(t, err)
	assert.Equal(t, 42.75, txn.Amount)
	assert.Equal(t, time.Date(2026, 4, 2, 18, 30, 0, 0, time.UTC), txn.OccurredAt)

	back, err := m.TransactionToExternal(*txn)
	require.NoError(t, err)
	assert.Equal(t, w, *back)
}

func TestValidateTransactionRejects(t *testing.T) {
	var m Mapper

	w := sampleWireTxn()
	w.Status = "refunded"
	assert.Error(t, m.ValidateTransaction(w))

	w = sampleWireTxn()
	w.OccurredAt = "yesterday"
	assert.Error(t, m.ValidateTransaction(w))

	w = sampleWireTxn()
	w.CardID = ""
	assert.Error(t, m.ValidateTransaction(w))
}

func TestBatchTransformPerRecordOutcomes(t *testing.T) {
	var m Mapper
	bad := sampleWireTxn()
	bad.Status = "bogus"

	ok, outcomes := m.TransactionsToInternal([]WireTransaction{sampleWireTxn(), bad})

	require.Len(t, ok, 1)
	require.Len(t, outcomes, 2)
	assert.Empty(t, outcomes[0].Error)
	assert.Equal(t, "Validation failed", outcomes[1].Error)
}

func TestReceiptConversion(t *testing.T) {
	var m Mapper
	r, err := m.ReceiptToInternal(WireReceipt{
		TransactionID: "txn-1",
		FileURL:       "https://files.example.com/r/abc",
		UploadedAt:    "2026-04-03T09:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-1", r.TransactionID)

	_, err = m.ReceiptToInternal(WireReceipt{FileURL: "x"})
	assert.Error(t, err)
}
