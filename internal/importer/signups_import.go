package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
)

// signupImporter loads historical sign-ups. Duplicate key is
// (emailLower, operatorId, date). Unlike events, an unresolved ambassador or
// operator fails the row: a sign-up without attribution is unpayable.
type signupImporter struct{}

func (signupImporter) kind() domain.ImportKind { return domain.ImportKindSignups }

func (signupImporter) keywords() map[string][]string {
	return map[string][]string{
		"date":           {"date"},
		"ambassador":     {"ambassador", "staff", "rep"},
		"customer_email": {"email"},
		"customer_name":  {"customer", "name"},
		"operator":       {"operator", "sportsbook", "book", "partner"},
		"state":          {"state", "st"},
		"cpa":            {"cpa", "commission", "payout"},
	}
}

func (signupImporter) defaultMapping() map[string]int {
	return map[string]int{
		"date":           0,
		"ambassador":     1,
		"customer_email": 2,
		"customer_name":  3,
		"operator":       4,
		"state":          5,
	}
}

func (signupImporter) handleRow(ctx context.Context, b Backend, res *resolver, importID string, row []string, mapping map[string]int, opts Options) rowOutcome {
	date, err := parseDate(cell(row, mapping, "date"), opts.DefaultYear)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if date == nil {
		return rowOutcome{status: domain.RowError, action: "none", message: "missing sign-up date"}
	}
	email := normalizeEmail(cell(row, mapping, "customer_email"))
	if email == "" || !strings.Contains(email, "@") {
		return rowOutcome{status: domain.RowError, action: "none", message: fmt.Sprintf("missing or invalid customer email %q", email)}
	}

	amb := res.ambassador(cell(row, mapping, "ambassador"))
	if amb == nil {
		return rowOutcome{status: domain.RowError, action: "none",
			message: fmt.Sprintf("unresolved ambassador %q", cell(row, mapping, "ambassador"))}
	}
	op := res.operator(cell(row, mapping, "operator"))
	if op == nil {
		return rowOutcome{status: domain.RowError, action: "none",
			message: fmt.Sprintf("unresolved operator %q", cell(row, mapping, "operator"))}
	}

	exists, err := b.SignupExists(ctx, email, op.ID, *date)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if exists {
		return rowOutcome{
			status:  domain.RowDuplicate,
			action:  "skipped",
			message: fmt.Sprintf("%s already signed up with operator %d on %s", email, op.ID, date.Format("2006-01-02")),
		}
	}

	batchID := importID
	s := &domain.SignUp{
		ID:             uuid.NewString(),
		AmbassadorID:   amb.ID,
		OperatorID:     op.ID,
		CustomerEmail:  email,
		CustomerName:   cell(row, mapping, "customer_name"),
		SubmittedAt:    *date,
		ValidationStat: domain.ValidationValidated, // historical rows were paid
		ExtractionStat: domain.ExtractionNotRequired,
		IdempotencyKey: fmt.Sprintf("import-%s-%s", importID, uuid.NewString()),
		ImportBatchID:  &batchID,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if st := strings.ToUpper(cell(row, mapping, "state")); st != "" {
		s.CustomerState = &st
	}

	attribution := attributeCpa(ctx, b, s, row, mapping, *date)

	if err := b.ApplySignup(ctx, importID, s, attribution); err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	detail := map[string]any{"email": email, "operatorId": op.ID}
	if attribution != nil {
		detail["cpaAmount"] = attribution.CPAAmount
		detail["rateId"] = attribution.RateID
	}
	audit(ctx, b, importID, "create", "sign_up", s.ID, detail)

	out := rowOutcome{status: domain.RowSuccess, action: "created", entityID: &s.ID, created: true}
	if attribution == nil && s.CPAAmount == nil {
		out.warning = fmt.Sprintf("sign-up %s: no CPA rate matched for operator %d on %s", email, op.ID, date.Format("2006-01-02"))
	}
	return out
}

// attributeCpa fills CPAAmount from the explicit column when present,
// otherwise from the rate table at the sign-up date.
func attributeCpa(ctx context.Context, b Backend, s *domain.SignUp, row []string, mapping map[string]int, date time.Time) *domain.CpaAttribution {
	if v, err := parseCurrency(cell(row, mapping, "cpa")); err == nil && v != nil {
		s.CPAAmount = v
		return nil
	}
	if s.CustomerState == nil {
		return nil
	}
	rate, err := b.RateFor(ctx, s.OperatorID, *s.CustomerState, date)
	if err != nil || rate == nil {
		return nil
	}
	s.CPAAmount = &rate.CPAAmount
	return &domain.CpaAttribution{
		ID:           uuid.NewString(),
		SignUpID:     s.ID,
		RateID:       rate.ID,
		CPAAmount:    rate.CPAAmount,
		AttributedAt: time.Now().UTC(),
	}
}
