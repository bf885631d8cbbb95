// Package domain holds the typed entities shared across the control plane.
// Each entity has exactly one owning component that writes it; everything
// else is a reader.
package domain

import "time"

// ValidationStatus is the lifecycle state of a sign-up.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationDuplicate ValidationStatus = "duplicate"
)

// ExtractionStatus tracks the bet-slip image extraction for a sign-up.
type ExtractionStatus string

const (
	ExtractionNotRequired ExtractionStatus = "not_required"
	ExtractionPending     ExtractionStatus = "pending"
	ExtractionNeedsReview ExtractionStatus = "needs_review"
	ExtractionConfirmed   ExtractionStatus = "confirmed"
	ExtractionSkipped     ExtractionStatus = "skipped"
	ExtractionFailed      ExtractionStatus = "failed"
)

// SyncPhase names which slice of a sign-up is pushed to the partner CRM.
type SyncPhase string

const (
	SyncPhaseInitial  SyncPhase = "initial"  // identity only, right after persist
	SyncPhaseEnriched SyncPhase = "enriched" // identity + cpa/wager fields, after validation
)

// SignUp is a customer converted at an event or a solo touchpoint.
// Exactly one of EventID / SoloChatID is set.
type SignUp struct {
	ID             string           `json:"id"`
	EventID        *string          `json:"eventId,omitempty"`
	SoloChatID     *string          `json:"soloChatId,omitempty"`
	AmbassadorID   string           `json:"ambassadorId"`
	OperatorID     int64            `json:"operatorId"`
	CustomerEmail  string           `json:"customerEmail"` // lowercased, trimmed
	CustomerName   string           `json:"customerName"`
	CustomerState  *string          `json:"customerState,omitempty"` // 2-letter code
	SubmittedAt    time.Time        `json:"submittedAt"`
	ValidationStat ValidationStatus `json:"validationStatus"`
	ExtractionStat ExtractionStatus `json:"extractionStatus"`

	// Fields extracted from the uploaded bet-slip image.
	BetAmount            *float64 `json:"betAmount,omitempty"`
	TeamBetOn            *string  `json:"teamBetOn,omitempty"`
	Odds                 *string  `json:"odds,omitempty"`
	ExtractionConfidence *float64 `json:"extractionConfidence,omitempty"`

	CPAAmount      *float64 `json:"cpaAmount,omitempty"`
	PayPeriodID    *string  `json:"payPeriodId,omitempty"`
	IdempotencyKey string   `json:"idempotencyKey"` // unique per operator
	ImageKey       *string  `json:"imageKey,omitempty"`
	ImportBatchID  *string  `json:"importBatchId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasImage reports whether a bet-slip image was attached at intake.
func (s *SignUp) HasImage() bool {
	return s.ImageKey != nil && *s.ImageKey != ""
}

// Terminal reports whether the validation state machine has finished.
func (s *SignUp) Terminal() bool {
	switch s.ValidationStat {
	case ValidationValidated, ValidationRejected, ValidationDuplicate:
		return true
	}
	return false
}

// SyncFailure records the permanent failure of one fan-out leg.
type SyncFailure struct {
	ID            string    `json:"id"`
	SignUpID      string    `json:"signUpId"`
	Phase         SyncPhase `json:"syncPhase"`
	ErrorType     string    `json:"errorType"` // rate_limit | server_error | network | other
	ErrorMessage  string    `json:"errorMessage"`
	AttemptCount  int        `json:"attemptCount"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// ExtractionResult is the output of the external bet-slip extractor.
type ExtractionResult struct {
	BetAmount  *float64
	TeamBetOn  *string
	Odds       *string
	Confidence float64
}

// Complete reports whether all three wager fields were extracted.
func (r ExtractionResult) Complete() bool {
	return r.BetAmount != nil && r.TeamBetOn != nil && r.Odds != nil
}

// CpaRate is the commission per (operator, state) over a date window.
type CpaRate struct {
	ID            string     `json:"id"`
	OperatorID    int64      `json:"operatorId"`
	StateCode     string     `json:"stateCode"`
	CPAAmount     float64    `json:"cpaAmount"`
	EffectiveDate time.Time  `json:"effectiveDate"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	IsActive      bool       `json:"isActive"`
}

// CpaAttribution links an imported sign-up to the rate that applied at its date.
type CpaAttribution struct {
	ID           string    `json:"id"`
	SignUpID     string    `json:"signUpId"`
	RateID       string    `json:"rateId"`
	CPAAmount    float64   `json:"cpaAmount"`
	AttributedAt time.Time `json:"attributedAt"`
}
