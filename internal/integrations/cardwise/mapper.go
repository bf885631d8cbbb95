package cardwise

import (
	"fmt"
	"time"

	"github.com/fieldops/backend/internal/integrations"
)

// ==== WIRE SHAPES ====
//
// Unlike the accounting partner, amounts arrive in major units already; the
// mapper's job here is validation and timestamp parsing.

type WireTransaction struct {
	ID           string  `json:"id"`
	CardID       string  `json:"cardId"`
	UserID       string  `json:"userId"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	MerchantName string  `json:"merchantName"`
	Category     string  `json:"category,omitempty"`
	Department   string  `json:"department,omitempty"`
	OccurredAt   string  `json:"occurredAt"`
	Status       string  `json:"status"` // pending | settled | declined
	HasReceipt   bool    `json:"hasReceipt"`
}

type WireCard struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	Last4      string  `json:"last4"`
	Status     string  `json:"status"` // active | suspended | terminated
	SpendLimit float64 `json:"spendLimit"`
	Department string  `json:"department,omitempty"`
}

type WireReceipt struct {
	TransactionID string `json:"transactionId"`
	FileURL       string `json:"fileUrl"`
	UploadedAt    string `json:"uploadedAt"`
	ContentType   string `json:"contentType,omitempty"`
}

type WireUser struct {
	ID         string `json:"id"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
}

// ==== INTERNAL SHAPES ====

type Transaction struct {
	ExternalID   string
	CardID       string
	UserID       string
	Amount       float64
	Currency     string
	MerchantName string
	Category     string
	Department   string
	OccurredAt   time.Time
	Status       string
	HasReceipt   bool
}

type Card struct {
	ExternalID string
	UserID     string
	Last4      string
	Status     string
	SpendLimit float64
	Department string
}

type Receipt struct {
	TransactionID string
	FileURL       string
	UploadedAt    time.Time
	ContentType   string
}

type User struct {
	ExternalID string
	FirstName  string
	LastName   string
	Email      string
	Department string
	Role       string
}

var txnStatuses = map[string]bool{"pending": true, "settled": true, "declined": true}

// Mapper converts between partner wire shapes and internal entities.
type Mapper struct{}

// ValidateTransaction gates an inbound transaction before conversion.
func (Mapper) ValidateTransaction(w WireTransaction) error {
	if w.ID == "" {
		return fmt.Errorf("transaction missing id")
	}
	if w.CardID == "" {
		return fmt.Errorf("transaction %s missing cardId", w.ID)
	}
	if !txnStatuses[w.Status] {
		return fmt.Errorf("transaction %s unknown status %q", w.ID, w.Status)
	}
	if _, err := time.Parse(time.RFC3339, w.OccurredAt); err != nil {
		return fmt.Errorf("transaction %s bad occurredAt %q", w.ID, w.OccurredAt)
	}
	return nil
}

// TransactionToInternal converts one validated wire transaction.
func (m Mapper) TransactionToInternal(w WireTransaction) (*Transaction, error) {
	if err := m.ValidateTransaction(w); err != nil {
		return nil, err
	}
	at, _ := time.Parse(time.RFC3339, w.OccurredAt)
	return &Transaction{
		ExternalID:   w.ID,
		CardID:       w.CardID,
		UserID:       w.UserID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		MerchantName: w.MerchantName,
		Category:     w.Category,
		Department:   w.Department,
		OccurredAt:   at.UTC(),
		Status:       w.Status,
		HasReceipt:   w.HasReceipt,
	}, nil
}

// TransactionToExternal converts back to the wire shape.
func (Mapper) TransactionToExternal(t Transaction) (*WireTransaction, error) {
	if t.CardID == "" {
		return nil, fmt.Errorf("transaction missing card id")
	}
	if t.OccurredAt.IsZero() {
		return nil, fmt.Errorf("transaction missing occurredAt")
	}
	return &WireTransaction{
		ID:           t.ExternalID,
		CardID:       t.CardID,
		UserID:       t.UserID,
		Amount:       t.Amount,
		Currency:     t.Currency,
		MerchantName: t.MerchantName,
		Category:     t.Category,
		Department:   t.Department,
		OccurredAt:   t.OccurredAt.UTC().Format(time.RFC3339),
		Status:       t.Status,
		HasReceipt:   t.HasReceipt,
	}, nil
}

// CardToInternal converts a wire card.
func (Mapper) CardToInternal(w WireCard) (*Card, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("card missing id")
	}
	return &Card{
		ExternalID: w.ID,
		UserID:     w.UserID,
		Last4:      w.Last4,
		Status:     w.Status,
		SpendLimit: w.SpendLimit,
		Department: w.Department,
	}, nil
}

// ReceiptToInternal converts a wire receipt.
func (Mapper) ReceiptToInternal(w WireReceipt) (*Receipt, error) {
	if w.TransactionID == "" {
		return nil, fmt.Errorf("receipt missing transactionId")
	}
	at, err := time.Parse(time.RFC3339, w.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("receipt %s bad uploadedAt %q", w.TransactionID, w.UploadedAt)
	}
	return &Receipt{
		TransactionID: w.TransactionID,
		FileURL:       w.FileURL,
		UploadedAt:    at.UTC(),
		ContentType:   w.ContentType,
	}, nil
}

// UserToInternal converts a wire user.
func (Mapper) UserToInternal(w WireUser) (*User, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("user missing id")
	}
	return &User{
		ExternalID: w.ID,
		FirstName:  w.FirstName,
		LastName:   w.LastName,
		Email:      w.Email,
		Department: w.Department,
		Role:       w.Role,
	}, nil
}

// TransactionsToInternal is the batch transform with per-record outcomes.
func (m Mapper) TransactionsToInternal(wires []WireTransaction) ([]Transaction, []integrations.BatchOutcome) {
	var ok []Transaction
	outcomes := make([]integrations.BatchOutcome, 0, len(wires))
	for _, w := range wires {
		txn, err := m.TransactionToInternal(w)
		if err != nil {
			outcomes = append(outcomes, integrations.BatchOutcome{Record: w, Error: "Validation failed"})
			continue
		}
		ok = append(ok, *txn)
		outcomes = append(outcomes, integrations.BatchOutcome{Record: w})
	}
	return ok, outcomes
}
