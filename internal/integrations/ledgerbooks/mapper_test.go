package ledgerbooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWireInvoice() WireInvoice {
	return WireInvoice{
		ID:           "inv-100",
		DocNumber:    "1042",
		CustomerRef:  "cust-7",
		TxnDate:      "2026-03-15",
		DueDate:      "2026-04-15",
		TotalMinor:   125050,
		BalanceMinor: 50000,
		CurrencyCode: "USD",
		Lines: []WireLineItem{
			{Description: "Event staffing", AmountMinor: 100000},
			{Description: "Travel", AmountMinor: 25050},
		},
	}
}

func TestInvoiceMinorUnitsConvertOnIngress(t *testing.T) {
	var m Mapper
	inv, err := m.InvoiceToInternal(sampleWireInvoice())
	require.NoError(t, err)

	assert.Equal(t, 1250.50, inv.Total)
	assert.Equal(t, 500.00, inv.Balance)
	assert.Equal(t, 1000.00, inv.Lines[0].Amount)
	assert.Equal(t, 250.50, inv.Lines[1].Amount)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), inv.TxnDate)
	require.NotNil(t, inv.DueDate)
}

func TestInvoiceRoundTrip(t *testing.T) {
	var m Mapper
	w := sampleWireInvoice()

	inv, err := m.InvoiceToInternal(w)
	require.NoError(t, err)
	back, err := m.InvoiceToExternal(*inv)
	require.NoError(t, err)

	assert.Equal(t, w.ID, back.ID)
	assert.Equal(t, w.TotalMinor, back.TotalMinor)
	assert.Equal(t, w.BalanceMinor, back.BalanceMinor)
	assert.Equal(t, w.TxnDate, back.TxnDate)
	assert.Equal(t, w.DueDate, back.DueDate)
	require.Len(t, back.Lines, 2)
	assert.Equal(t, w.Lines[0].AmountMinor, back.Lines[0].AmountMinor)
}

func TestMajorToMinorRounds(t *testing.T) {
	assert.Equal(t, int64(1999), majorToMinor(19.99))
	assert.Equal(t, int64(10), majorToMinor(0.1))
	assert.Equal(t, int64(1), majorToMinor(0.005))
}

func TestValidateInvoiceRejects(t *testing.T) {
	var m Mapper

	w := sampleWireInvoice()
	w.ID = ""
	assert.Error(t, m.ValidateInvoice(w))

	w = sampleWireInvoice()
	w.CustomerRef = ""
	assert.Error(t, m.ValidateInvoice(w))

	w = sampleWireInvoice()
	w.TxnDate = "03/15/2026"
	assert.Error(t, m.ValidateInvoice(w))

	w = sampleWireInvoice()
	w.TotalMinor = -1
	assert.Error(t, m.ValidateInvoice(w))
}

func TestBatchTransformSurvivesBadRecords(t *testing.T) {
	var m Mapper
	bad := sampleWireInvoice()
	bad.TxnDate = "not-a-date"

	ok, outcomes := m.InvoicesToInternal([]WireInvoice{sampleWireInvoice(), bad, sampleWireInvoice()})

	require.Len(t, ok, 2)
	require.Len(t, outcomes, 3)
	assert.Empty(t, outcomes[0].Error)
	assert.Equal(t, "Validation failed", outcomes[1].Error)
	assert.Empty(t, outcomes[2].Error)
}

func TestPaymentAndReportConversion(t *testing.T) {
	var m Mapper

	p, err := m.PaymentToInternal(WirePayment{
		ID: "pay-1", CustomerRef: "cust-7", TxnDate: "2026-05-01", AmountMinor: 12500,
	})
	require.NoError(t, err)
	assert.Equal(t, 125.00, p.Amount)

	r, err := m.ReportToInternal(WireReport{
		ReportName: "ProfitAndLoss",
		StartDate:  "2026-01-01",
		EndDate:    "2026-03-31",
		Rows: []WireReportRow{
			{Label: "Revenue", AmountMinor: 1000000, Group: "income"},
		},
	})
	require.NoError(t, err)
	require.Len(t, r.Lines, 1)
	assert.Equal(t, 10000.00, r.Lines[0].Amount)
}

func TestPageHasMore(t *testing.T) {
	p := Page[Invoice]{StartPosition: 1, TotalCount: 250}
	p.Items = make([]Invoice, 100)
	assert.True(t, p.HasMore())

	p.StartPosition = 201
	p.Items = make([]Invoice, 50)
	assert.False(t, p.HasMore())
}
