package syncer

import (
	"context"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/integrations/cardwise"
	"github.com/fieldops/backend/internal/integrations/ledgerbooks"
)

// ==== LEDGERBOOKS INVOICES ====
//
// Offset-paginated source. The resume position is derived from the
// checkpoint's record counters: every applied or failed record advanced the
// partner position by one.

// InvoiceSource pulls the accounting partner's invoice collection.
type InvoiceSource struct {
	client *ledgerbooks.Client
}

// NewInvoiceSource wraps the partner client.
func NewInvoiceSource(client *ledgerbooks.Client) *InvoiceSource {
	return &InvoiceSource{client: client}
}

func (s *InvoiceSource) Integration() string { return ledgerbooks.Provider }
func (s *InvoiceSource) SyncType() string    { return "invoices" }

// Total reports the partner's collection count; this partner supports it.
func (s *InvoiceSource) Total(ctx context.Context) (int, bool, error) {
	n, err := s.client.TotalInvoiceCount(ctx)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Page fetches the next offset slice. startPosition is 1-based.
func (s *InvoiceSource) Page(ctx context.Context, cp *domain.SyncCheckpoint, limit int) ([]Record, *string, bool, error) {
	start := cp.ProcessedRecords + cp.FailedRecords + 1
	page, err := s.client.ListInvoices(ctx, start, limit)
	if err != nil {
		return nil, nil, false, err
	}

	records := make([]Record, 0, len(page.Items))
	for i := range page.Items {
		inv := page.Items[i]
		records = append(records, Record{
			ID:    inv.ExternalID,
			Apply: func(ctx context.Context, q database.Querier) error { return upsertInvoice(ctx, q, inv) },
		})
	}
	return records, nil, page.HasMore(), nil
}

func upsertInvoice(ctx context.Context, q database.Querier, inv ledgerbooks.Invoice) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO partner_invoices
			(provider, external_id, doc_number, customer_external_id, txn_date,
			 due_date, total, balance, currency, note, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (provider, external_id) DO UPDATE SET
			doc_number = EXCLUDED.doc_number,
			customer_external_id = EXCLUDED.customer_external_id,
			txn_date = EXCLUDED.txn_date,
			due_date = EXCLUDED.due_date,
			total = EXCLUDED.total,
			balance = EXCLUDED.balance,
			currency = EXCLUDED.currency,
			note = EXCLUDED.note,
			updated_at = NOW()`,
		ledgerbooks.Provider, inv.ExternalID, inv.DocNumber, inv.CustomerID,
		inv.TxnDate, inv.DueDate, inv.Total, inv.Balance, inv.Currency, inv.Note)
	return err
}

// ==== CARDWISE TRANSACTIONS ====
//
// Cursor-paginated source; the checkpoint carries the partner cursor.

// TransactionSource pulls the expense partner's transaction collection.
type TransactionSource struct {
	client *cardwise.Client
}

// NewTransactionSource wraps the partner client.
func NewTransactionSource(client *cardwise.Client) *TransactionSource {
	return &TransactionSource{client: client}
}

func (s *TransactionSource) Integration() string { return cardwise.Provider }
func (s *TransactionSource) SyncType() string    { return "transactions" }

// Total is unsupported; this partner exposes no collection count.
func (s *TransactionSource) Total(ctx context.Context) (int, bool, error) {
	return 0, false, nil
}

// Page follows the partner cursor from the checkpoint. The absence of a next
// cursor is the partner's end-of-collection signal, even when the final page
// is full.
func (s *TransactionSource) Page(ctx context.Context, cp *domain.SyncCheckpoint, limit int) ([]Record, *string, bool, error) {
	cursor := ""
	if cp.Cursor != nil {
		cursor = *cp.Cursor
	}
	page, err := s.client.ListTransactions(ctx, cursor, limit)
	if err != nil {
		return nil, nil, false, err
	}

	records := make([]Record, 0, len(page.Items))
	for i := range page.Items {
		txn := page.Items[i]
		records = append(records, Record{
			ID:    txn.ExternalID,
			Apply: func(ctx context.Context, q database.Querier) error { return upsertTransaction(ctx, q, txn) },
		})
	}
	var next *string
	if page.NextCursor != "" {
		next = &page.NextCursor
	}
	return records, next, next != nil, nil
}

func upsertTransaction(ctx context.Context, q database.Querier, txn cardwise.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO partner_transactions
			(provider, external_id, card_external_id, user_external_id, amount,
			 currency, merchant_name, category, department, occurred_at, status,
			 has_receipt, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (provider, external_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			department = EXCLUDED.department,
			status = EXCLUDED.status,
			has_receipt = EXCLUDED.has_receipt,
			updated_at = NOW()`,
		cardwise.Provider, txn.ExternalID, txn.CardID, txn.UserID, txn.Amount,
		txn.Currency, txn.MerchantName, txn.Category, txn.Department,
		txn.OccurredAt, txn.Status, txn.HasReceipt)
	return err
}
