package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
)

// budgetImporter loads the budget/actuals workbook export. Each row is one
// (event, kind) pair where kind is "Budget" or "Actual"; the event must
// already exist, matched by (date, event name) against the venue.
type budgetImporter struct{}

func (budgetImporter) kind() domain.ImportKind { return domain.ImportKindBudget }

func (budgetImporter) keywords() map[string][]string {
	return map[string][]string{
		"row_type":       {"type", "budget/actual", "kind"},
		"date":           {"date"},
		"event_name":     {"event", "venue", "location"},
		"staff":          {"staff"},
		"reimbursements": {"reimburse"},
		"rewards":        {"reward"},
		"base":           {"base"},
		"bonus_kickback": {"bonus", "kickback"},
		"parking":        {"parking"},
		"setup":          {"setup", "set-up"},
		"additional1":    {"additional 1", "add'l 1", "addl 1"},
		"additional2":    {"additional 2", "add'l 2", "addl 2"},
		"additional3":    {"additional 3", "add'l 3", "addl 3"},
		"additional4":    {"additional 4", "add'l 4", "addl 4"},
		"total":          {"total"},
		"revenue":        {"revenue", "income"},
		"profit":         {"profit"},
		"margin":         {"margin"},
	}
}

func (budgetImporter) defaultMapping() map[string]int {
	m := map[string]int{"row_type": 0, "date": 1, "event_name": 2}
	for i, field := range lineItemFields {
		m[field] = 3 + i
	}
	m["total"] = 14
	m["revenue"] = 15
	m["profit"] = 16
	m["margin"] = 17
	return m
}

var lineItemFields = []string{
	"staff", "reimbursements", "rewards", "base", "bonus_kickback",
	"parking", "setup", "additional1", "additional2", "additional3", "additional4",
}

func (budgetImporter) handleRow(ctx context.Context, b Backend, res *resolver, importID string, row []string, mapping map[string]int, opts Options) rowOutcome {
	kind, err := parseBudgetKind(cell(row, mapping, "row_type"))
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	date, err := parseDate(cell(row, mapping, "date"), opts.DefaultYear)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if date == nil {
		return rowOutcome{status: domain.RowError, action: "none", message: "missing event date"}
	}
	name := cell(row, mapping, "event_name")
	if name == "" {
		return rowOutcome{status: domain.RowError, action: "none", message: "missing event name"}
	}

	eventID, found, err := b.FindEvent(ctx, *date, name)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if !found {
		return rowOutcome{status: domain.RowError, action: "none",
			message: fmt.Sprintf("no event matches %q on %s", name, date.Format("2006-01-02"))}
	}

	items, err := parseLineItems(row, mapping)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	revenue, err := parseCurrency(cell(row, mapping, "revenue"))
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}

	batchID := importID
	budget := &domain.EventBudget{
		ID:            uuid.NewString(),
		EventID:       eventID,
		Kind:          kind,
		Items:         items,
		ImportBatchID: &batchID,
		UpdatedAt:     time.Now().UTC(),
	}
	if revenue != nil {
		budget.Revenue = *revenue
	}
	// Totals are re-derived rather than trusted: spreadsheet formulas drift.
	budget.Recalculate()

	var warning string
	if total, err := parseCurrency(cell(row, mapping, "total")); err == nil && total != nil {
		if diff := *total - budget.Total; diff > 0.01 || diff < -0.01 {
			warning = fmt.Sprintf("%s %s on %s: stated total %.2f disagrees with line items %.2f",
				kind, name, date.Format("2006-01-02"), *total, budget.Total)
		}
	}

	created, err := b.ApplyBudget(ctx, importID, eventID, budget)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	action := "updated"
	if created {
		action = "created"
	}
	audit(ctx, b, importID, action, "event_budget", budget.ID, map[string]any{
		"eventId": eventID, "kind": string(kind), "total": budget.Total,
	})
	return rowOutcome{
		status:   domain.RowSuccess,
		action:   action,
		entityID: &budget.ID,
		warning:  warning,
		created:  created,
		updated:  !created,
	}
}

func parseBudgetKind(s string) (domain.BudgetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "budget", "b", "projected":
		return domain.BudgetProjected, nil
	case "actual", "a", "actuals":
		return domain.BudgetActual, nil
	}
	return "", fmt.Errorf("unknown row type %q, want Budget or Actual", s)
}

func parseLineItems(row []string, mapping map[string]int) (domain.LineItems, error) {
	var items domain.LineItems
	targets := map[string]*float64{
		"staff":          &items.Staff,
		"reimbursements": &items.Reimbursements,
		"rewards":        &items.Rewards,
		"base":           &items.Base,
		"bonus_kickback": &items.BonusKickback,
		"parking":        &items.Parking,
		"setup":          &items.Setup,
		"additional1":    &items.Additional1,
		"additional2":    &items.Additional2,
		"additional3":    &items.Additional3,
		"additional4":    &items.Additional4,
	}
	for _, field := range lineItemFields {
		v, err := parseCurrency(cell(row, mapping, field))
		if err != nil {
			return items, fmt.Errorf("column %s: %w", field, err)
		}
		if v != nil {
			*targets[field] = *v
		}
	}
	return items, nil
}
