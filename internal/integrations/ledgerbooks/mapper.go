package ledgerbooks

import (
	"fmt"
	"math"
	"time"

	"github.com/fieldops/backend/internal/integrations"
)

// ==== WIRE SHAPES ====
//
// The partner sends money in minor units (cents) and dates as YYYY-MM-DD.
// Nothing outside this package sees these shapes.

type WireInvoice struct {
	ID            string         `json:"id"`
	DocNumber     string         `json:"docNumber"`
	CustomerRef   string         `json:"customerRef"`
	TxnDate       string         `json:"txnDate"`
	DueDate       string         `json:"dueDate,omitempty"`
	TotalMinor    int64          `json:"totalAmt"`
	BalanceMinor  int64          `json:"balance"`
	CurrencyCode  string         `json:"currencyCode"`
	PrivateNote   string         `json:"privateNote,omitempty"`
	Lines         []WireLineItem `json:"lines"`
	SyncTimestamp string         `json:"syncTimestamp,omitempty"`
}

type WireLineItem struct {
	Description string `json:"description"`
	AmountMinor int64  `json:"amount"`
	AccountRef  string `json:"accountRef,omitempty"`
}

type WireCustomer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"primaryEmailAddr,omitempty"`
	Phone       string `json:"primaryPhone,omitempty"`
	Active      bool   `json:"active"`
}

type WirePayment struct {
	ID          string `json:"id"`
	CustomerRef string `json:"customerRef"`
	TxnDate     string `json:"txnDate"`
	AmountMinor int64  `json:"totalAmt"`
	InvoiceRef  string `json:"invoiceRef,omitempty"`
}

type WireReport struct {
	ReportName string          `json:"reportName"`
	StartDate  string          `json:"startDate"`
	EndDate    string          `json:"endDate"`
	Rows       []WireReportRow `json:"rows"`
}

type WireReportRow struct {
	Label       string `json:"label"`
	AmountMinor int64  `json:"amount"`
	Group       string `json:"group,omitempty"`
}

// ==== INTERNAL SHAPES ====
//
// Major-unit float64 money, real time.Time dates.

type Invoice struct {
	ExternalID  string
	DocNumber   string
	CustomerID  string
	TxnDate     time.Time
	DueDate     *time.Time
	Total       float64
	Balance     float64
	Currency    string
	Note        string
	Lines       []LineItem
	PartnerSync *time.Time
}

type LineItem struct {
	Description string
	Amount      float64
	AccountRef  string
}

type Customer struct {
	ExternalID string
	Name       string
	Email      string
	Phone      string
	Active     bool
}

type Payment struct {
	ExternalID string
	CustomerID string
	TxnDate    time.Time
	Amount     float64
	InvoiceID  string
}

type Report struct {
	Name  string
	From  time.Time
	To    time.Time
	Lines []ReportLine
}

type ReportLine struct {
	Label  string
	Amount float64
	Group  string
}

const dateLayout = "2006-01-02"

// minorToMajor converts wire cents to major units exactly once, at ingress.
func minorToMajor(v int64) float64 { return float64(v) / 100 }

// majorToMinor converts back at egress, rounding half away from zero.
func majorToMinor(v float64) int64 { return int64(math.Round(v * 100)) }

// Mapper converts between partner wire shapes and internal entities. It is
// stateless; the zero value is ready to use.
type Mapper struct{}

// ValidateInvoice is the structural gate on an inbound invoice before any
// conversion happens.
func (Mapper) ValidateInvoice(w WireInvoice) error {
	if w.ID == "" {
		return fmt.Errorf("invoice missing id")
	}
	if w.CustomerRef == "" {
		return fmt.Errorf("invoice %s missing customerRef", w.ID)
	}
	if _, err := time.Parse(dateLayout, w.TxnDate); err != nil {
		return fmt.Errorf("invoice %s bad txnDate %q", w.ID, w.TxnDate)
	}
	if w.TotalMinor < 0 {
		return fmt.Errorf("invoice %s negative total", w.ID)
	}
	return nil
}

// InvoiceToInternal converts one validated wire invoice.
func (m Mapper) InvoiceToInternal(w WireInvoice) (*Invoice, error) {
	if err := m.ValidateInvoice(w); err != nil {
		return nil, err
	}
	txn, _ := time.Parse(dateLayout, w.TxnDate)

	inv := &Invoice{
		ExternalID: w.ID,
		DocNumber:  w.DocNumber,
		CustomerID: w.CustomerRef,
		TxnDate:    txn,
		Total:      minorToMajor(w.TotalMinor),
		Balance:    minorToMajor(w.BalanceMinor),
		Currency:   w.CurrencyCode,
		Note:       w.PrivateNote,
	}
	if w.DueDate != "" {
		due, err := time.Parse(dateLayout, w.DueDate)
		if err != nil {
			return nil, fmt.Errorf("invoice %s bad dueDate %q", w.ID, w.DueDate)
		}
		inv.DueDate = &due
	}
	if w.SyncTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339, w.SyncTimestamp); err == nil {
			inv.PartnerSync = &ts
		}
	}
	for _, l := range w.Lines {
		inv.Lines = append(inv.Lines, LineItem{
			Description: l.Description,
			Amount:      minorToMajor(l.AmountMinor),
			AccountRef:  l.AccountRef,
		})
	}
	return inv, nil
}

// InvoiceToExternal converts an internal invoice back to the wire shape.
func (Mapper) InvoiceToExternal(inv Invoice) (*WireInvoice, error) {
	if inv.CustomerID == "" {
		return nil, fmt.Errorf("invoice missing customer id")
	}
	if inv.TxnDate.IsZero() {
		return nil, fmt.Errorf("invoice missing txn date")
	}
	w := &WireInvoice{
		ID:           inv.ExternalID,
		DocNumber:    inv.DocNumber,
		CustomerRef:  inv.CustomerID,
		TxnDate:      inv.TxnDate.Format(dateLayout),
		TotalMinor:   majorToMinor(inv.Total),
		BalanceMinor: majorToMinor(inv.Balance),
		CurrencyCode: inv.Currency,
		PrivateNote:  inv.Note,
	}
	if inv.DueDate != nil {
		w.DueDate = inv.DueDate.Format(dateLayout)
	}
	for _, l := range inv.Lines {
		w.Lines = append(w.Lines, WireLineItem{
			Description: l.Description,
			AmountMinor: majorToMinor(l.Amount),
			AccountRef:  l.AccountRef,
		})
	}
	return w, nil
}

// CustomerToInternal converts a wire customer.
func (Mapper) CustomerToInternal(w WireCustomer) (*Customer, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("customer missing id")
	}
	if w.DisplayName == "" {
		return nil, fmt.Errorf("customer %s missing displayName", w.ID)
	}
	return &Customer{
		ExternalID: w.ID,
		Name:       w.DisplayName,
		Email:      w.Email,
		Phone:      w.Phone,
		Active:     w.Active,
	}, nil
}

// CustomerToExternal converts back to the wire shape.
func (Mapper) CustomerToExternal(c Customer) (*WireCustomer, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("customer missing name")
	}
	return &WireCustomer{
		ID:          c.ExternalID,
		DisplayName: c.Name,
		Email:       c.Email,
		Phone:       c.Phone,
		Active:      c.Active,
	}, nil
}

// PaymentToInternal converts a wire payment.
func (Mapper) PaymentToInternal(w WirePayment) (*Payment, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("payment missing id")
	}
	txn, err := time.Parse(dateLayout, w.TxnDate)
	if err != nil {
		return nil, fmt.Errorf("payment %s bad txnDate %q", w.ID, w.TxnDate)
	}
	return &Payment{
		ExternalID: w.ID,
		CustomerID: w.CustomerRef,
		TxnDate:    txn,
		Amount:     minorToMajor(w.AmountMinor),
		InvoiceID:  w.InvoiceRef,
	}, nil
}

// ReportToInternal converts a wire report.
func (Mapper) ReportToInternal(w WireReport) (*Report, error) {
	from, err := time.Parse(dateLayout, w.StartDate)
	if err != nil {
		return nil, fmt.Errorf("report bad startDate %q", w.StartDate)
	}
	to, err := time.Parse(dateLayout, w.EndDate)
	if err != nil {
		return nil, fmt.Errorf("report bad endDate %q", w.EndDate)
	}
	r := &Report{Name: w.ReportName, From: from, To: to}
	for _, row := range w.Rows {
		r.Lines = append(r.Lines, ReportLine{
			Label:  row.Label,
			Amount: minorToMajor(row.AmountMinor),
			Group:  row.Group,
		})
	}
	return r, nil
}

// InvoicesToInternal is the batch transform: one outcome per record, never
// aborting on the first failure.
func (m Mapper) InvoicesToInternal(wires []WireInvoice) ([]Invoice, []integrations.BatchOutcome) {
	var ok []Invoice
	outcomes := make([]integrations.BatchOutcome, 0, len(wires))
	for _, w := range wires {
		inv, err := m.InvoiceToInternal(w)
		if err != nil {
			outcomes = append(outcomes, integrations.BatchOutcome{Record: w, Error: "Validation failed"})
			continue
		}
		ok = append(ok, *inv)
		outcomes = append(outcomes, integrations.BatchOutcome{Record: w})
	}
	return ok, outcomes
}
