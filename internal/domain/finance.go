package domain

import (
	"math"
	"time"
)

// BudgetKind distinguishes the projection row from the realized-outcome row.
type BudgetKind string

const (
	BudgetProjected BudgetKind = "budget"
	BudgetActual    BudgetKind = "actual"
)

// LineItems is the fixed set of cost lines carried by both budget and actuals.
type LineItems struct {
	Staff          float64 `json:"staff"`
	Reimbursements float64 `json:"reimbursements"`
	Rewards        float64 `json:"rewards"`
	Base           float64 `json:"base"`
	BonusKickback  float64 `json:"bonusKickback"`
	Parking        float64 `json:"parking"`
	Setup          float64 `json:"setup"`
	Additional1    float64 `json:"additional1"`
	Additional2    float64 `json:"additional2"`
	Additional3    float64 `json:"additional3"`
	Additional4    float64 `json:"additional4"`
}

// Sum totals every line item.
func (li LineItems) Sum() float64 {
	return li.Staff + li.Reimbursements + li.Rewards + li.Base + li.BonusKickback +
		li.Parking + li.Setup + li.Additional1 + li.Additional2 + li.Additional3 + li.Additional4
}

// EventBudget is one projection or actuals row keyed by event.
// Invariant: Total = Sum(line items) within ±0.01; Profit = Revenue − Total.
type EventBudget struct {
	ID      string     `json:"id"`
	EventID string     `json:"eventId"`
	Kind    BudgetKind `json:"kind"`

	Items   LineItems `json:"items"`
	Total   float64   `json:"total"`
	Revenue float64   `json:"revenue"`
	Profit  float64   `json:"profit"`
	Margin  *float64  `json:"marginPercent,omitempty"`

	ImportBatchID *string   `json:"importBatchId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Consistent reports whether the stored totals agree with the line items
// within the 0.01 rounding tolerance.
func (b EventBudget) Consistent() bool {
	if math.Abs(b.Total-b.Items.Sum()) > 0.01 {
		return false
	}
	return math.Abs(b.Profit-(b.Revenue-b.Total)) <= 0.01
}

// Recalculate derives Total, Profit and Margin from the line items and revenue.
func (b *EventBudget) Recalculate() {
	b.Total = round2(b.Items.Sum())
	b.Profit = round2(b.Revenue - b.Total)
	if b.Revenue != 0 {
		m := round2(b.Profit / b.Revenue * 100)
		b.Margin = &m
	} else {
		b.Margin = nil
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Expense is a reconciled cost pulled from the expense partner or entered by hand.
type Expense struct {
	ID         string    `json:"id"`
	EventID    *string   `json:"eventId,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Category   string    `json:"category"`
	Amount     float64   `json:"amount"`
	Memo       string    `json:"memo,omitempty"`
	SpentAt    time.Time `json:"spentAt"`
	Reconciled bool      `json:"reconciled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RevenueEntry is commission revenue recognized for a period or event.
type RevenueEntry struct {
	ID         string    `json:"id"`
	EventID    *string   `json:"eventId,omitempty"`
	OperatorID *int64    `json:"operatorId,omitempty"`
	Amount     float64   `json:"amount"`
	Source     string    `json:"source"` // cpa | bonus | adjustment
	EarnedAt   time.Time `json:"earnedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}
