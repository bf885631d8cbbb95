// Package finance owns budget/actuals rows, expenses, revenue entries, the
// expense reconciliation sweep against synced partner transactions, and the
// P&L rollups served to the reporting endpoints.
package finance

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// PostgresStore persists the finance tables.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ==== BUDGETS ====

const budgetCols = `id, event_id, kind, staff, reimbursements, rewards, base,
	bonus_kickback, parking, setup, additional1, additional2, additional3,
	additional4, total, revenue, profit, margin_percent, import_batch_id, updated_at`

func scanBudget(row interface{ Scan(...any) error }) (*domain.EventBudget, error) {
	b := &domain.EventBudget{}
	var margin sql.NullFloat64
	var batchID sql.NullString
	err := row.Scan(&b.ID, &b.EventID, &b.Kind, &b.Items.Staff, &b.Items.Reimbursements,
		&b.Items.Rewards, &b.Items.Base, &b.Items.BonusKickback, &b.Items.Parking,
		&b.Items.Setup, &b.Items.Additional1, &b.Items.Additional2, &b.Items.Additional3,
		&b.Items.Additional4, &b.Total, &b.Revenue, &b.Profit, &margin, &batchID, &b.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if margin.Valid {
		b.Margin = &margin.Float64
	}
	if batchID.Valid {
		b.ImportBatchID = &batchID.String
	}
	return b, nil
}

// Budgets returns the budget and actual rows for one event; either may be nil.
func (s *PostgresStore) Budgets(ctx context.Context, eventID string) (budget, actual *domain.EventBudget, err error) {
	rows, err := s.db.Query(ctx, `SELECT `+budgetCols+` FROM event_budgets WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, nil, err
		}
		switch b.Kind {
		case domain.BudgetProjected:
			budget = b
		case domain.BudgetActual:
			actual = b
		}
	}
	return budget, actual, rows.Err()
}

// UpsertBudget writes one (event, kind) row; totals must already be
// recalculated by the caller.
func (s *PostgresStore) UpsertBudget(ctx context.Context, b *domain.EventBudget) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO event_budgets (`+budgetCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (event_id, kind) DO UPDATE SET
			staff = EXCLUDED.staff, reimbursements = EXCLUDED.reimbursements,
			rewards = EXCLUDED.rewards, base = EXCLUDED.base,
			bonus_kickback = EXCLUDED.bonus_kickback, parking = EXCLUDED.parking,
			setup = EXCLUDED.setup, additional1 = EXCLUDED.additional1,
			additional2 = EXCLUDED.additional2, additional3 = EXCLUDED.additional3,
			additional4 = EXCLUDED.additional4, total = EXCLUDED.total,
			revenue = EXCLUDED.revenue, profit = EXCLUDED.profit,
			margin_percent = EXCLUDED.margin_percent, updated_at = EXCLUDED.updated_at`,
		b.ID, b.EventID, b.Kind, b.Items.Staff, b.Items.Reimbursements, b.Items.Rewards,
		b.Items.Base, b.Items.BonusKickback, b.Items.Parking, b.Items.Setup,
		b.Items.Additional1, b.Items.Additional2, b.Items.Additional3, b.Items.Additional4,
		b.Total, b.Revenue, b.Profit, b.Margin, b.ImportBatchID, b.UpdatedAt)
	return err
}

// BudgetActualPair is one event's row in the budget-vs-actuals report.
type BudgetActualPair struct {
	EventID   string              `json:"eventId"`
	Venue     string              `json:"venue"`
	EventDate time.Time           `json:"eventDate"`
	Budget    *domain.EventBudget `json:"budget,omitempty"`
	Actual    *domain.EventBudget `json:"actual,omitempty"`
}

// BudgetActualsReport joins events with both budget rows over a date window.
func (s *PostgresStore) BudgetActualsReport(ctx context.Context, from, to time.Time) ([]*BudgetActualPair, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.venue, e.event_date, b.kind, `+budgetColsPrefixed("b")+`
		FROM events e
		JOIN event_budgets b ON b.event_id = e.id
		WHERE e.event_date >= $1 AND e.event_date <= $2
		ORDER BY e.event_date, e.id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byEvent := map[string]*BudgetActualPair{}
	var order []string
	for rows.Next() {
		var (
			eventID, venue string
			eventDate      time.Time
			kind           domain.BudgetKind
			b              domain.EventBudget
			margin         sql.NullFloat64
			batchID        sql.NullString
		)
		err := rows.Scan(&eventID, &venue, &eventDate, &kind,
			&b.ID, &b.EventID, &b.Kind, &b.Items.Staff, &b.Items.Reimbursements,
			&b.Items.Rewards, &b.Items.Base, &b.Items.BonusKickback, &b.Items.Parking,
			&b.Items.Setup, &b.Items.Additional1, &b.Items.Additional2, &b.Items.Additional3,
			&b.Items.Additional4, &b.Total, &b.Revenue, &b.Profit, &margin, &batchID, &b.UpdatedAt)
		if err != nil {
			return nil, database.Classify(err)
		}
		if margin.Valid {
			b.Margin = &margin.Float64
		}

		pair, ok := byEvent[eventID]
		if !ok {
			pair = &BudgetActualPair{EventID: eventID, Venue: venue, EventDate: eventDate}
			byEvent[eventID] = pair
			order = append(order, eventID)
		}
		cp := b
		switch kind {
		case domain.BudgetProjected:
			pair.Budget = &cp
		case domain.BudgetActual:
			pair.Actual = &cp
		}
	}
	out := make([]*BudgetActualPair, 0, len(order))
	for _, id := range order {
		out = append(out, byEvent[id])
	}
	return out, rows.Err()
}

func budgetColsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.event_id, ` + alias + `.kind, ` +
		alias + `.staff, ` + alias + `.reimbursements, ` + alias + `.rewards, ` +
		alias + `.base, ` + alias + `.bonus_kickback, ` + alias + `.parking, ` +
		alias + `.setup, ` + alias + `.additional1, ` + alias + `.additional2, ` +
		alias + `.additional3, ` + alias + `.additional4, ` + alias + `.total, ` +
		alias + `.revenue, ` + alias + `.profit, ` + alias + `.margin_percent, ` +
		alias + `.import_batch_id, ` + alias + `.updated_at`
}

// ==== EXPENSES ====

const expenseCols = `id, event_id, provider, external_id, category, amount, memo,
	spent_at, reconciled, created_at`

func scanExpense(row interface{ Scan(...any) error }) (*domain.Expense, error) {
	e := &domain.Expense{}
	var eventID sql.NullString
	err := row.Scan(&e.ID, &eventID, &e.Provider, &e.ExternalID, &e.Category,
		&e.Amount, &e.Memo, &e.SpentAt, &e.Reconciled, &e.CreatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if eventID.Valid {
		e.EventID = &eventID.String
	}
	return e, nil
}

func (s *PostgresStore) InsertExpense(ctx context.Context, e *domain.Expense) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO expenses (`+expenseCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.EventID, e.Provider, e.ExternalID, e.Category, e.Amount, e.Memo,
		e.SpentAt, e.Reconciled, e.CreatedAt)
	return err
}

func (s *PostgresStore) Expenses(ctx context.Context, from, to time.Time, reconciledOnly bool) ([]*domain.Expense, error) {
	query := `SELECT ` + expenseCols + ` FROM expenses WHERE spent_at >= $1 AND spent_at <= $2`
	if reconciledOnly {
		query += ` AND reconciled`
	}
	rows, err := s.db.Query(ctx, query+` ORDER BY spent_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// reconcileTxnCols must name partner_transactions columns as the sync writer
// creates them; scripts/schema.sql is the reference.
const reconcileTxnCols = `t.provider, t.external_id, t.category, t.amount, t.merchant_name, t.occurred_at`

// ReconcileExpenses sweeps synced partner transactions in the window into
// expense rows, linking each to an event on the transaction's date when
// exactly one exists. Already-imported transactions are skipped via the
// (provider, external_id) uniqueness.
func (s *PostgresStore) ReconcileExpenses(ctx context.Context, from, to time.Time) (matched, unmatched int, err error) {
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		matched, unmatched = 0, 0
		rows, err := tx.QueryContext(ctx, `
			SELECT `+reconcileTxnCols+`
			FROM partner_transactions t
			WHERE t.occurred_at >= $1 AND t.occurred_at <= $2
			  AND NOT EXISTS (
				SELECT 1 FROM expenses x
				WHERE x.provider = t.provider AND x.external_id = t.external_id
			  )`, from, to)
		if err != nil {
			return database.Classify(err)
		}
		type txn struct {
			provider, externalID, category, merchant string
			amount                                   float64
			occurredAt                               time.Time
		}
		var txns []txn
		for rows.Next() {
			var t txn
			if err := rows.Scan(&t.provider, &t.externalID, &t.category, &t.amount, &t.merchant, &t.occurredAt); err != nil {
				rows.Close()
				return database.Classify(err)
			}
			txns = append(txns, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return database.Classify(err)
		}

		for _, t := range txns {
			var eventID sql.NullString
			// Link only when the date is unambiguous: exactly one event that day.
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM events
				WHERE event_date::date = $1::date
				  AND (SELECT count(*) FROM events e2 WHERE e2.event_date::date = $1::date) = 1`,
				t.occurredAt).Scan(&eventID)
			if err != nil && err != sql.ErrNoRows {
				return database.Classify(err)
			}
			if eventID.Valid {
				matched++
			} else {
				unmatched++
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO expenses (id, event_id, provider, external_id, category, amount, memo, spent_at, reconciled, created_at)
				VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, now())`,
				eventID, t.provider, t.externalID, t.category, t.amount, t.merchant,
				t.occurredAt, eventID.Valid)
			if err != nil {
				return database.Classify(err)
			}
		}
		return nil
	})
	return matched, unmatched, err
}

// ==== REVENUE ====

func (s *PostgresStore) InsertRevenue(ctx context.Context, r *domain.RevenueEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO revenue_entries (id, event_id, operator_id, amount, source, earned_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.EventID, r.OperatorID, r.Amount, r.Source, r.EarnedAt, r.CreatedAt)
	return err
}

// RevenueSummary is the grouped rollup for a window.
type RevenueSummary struct {
	Total    float64            `json:"total"`
	BySource map[string]float64 `json:"bySource"`
}

func (s *PostgresStore) RevenueSummary(ctx context.Context, from, to time.Time) (*RevenueSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source, coalesce(sum(amount), 0)
		FROM revenue_entries
		WHERE earned_at >= $1 AND earned_at <= $2
		GROUP BY source`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &RevenueSummary{BySource: map[string]float64{}}
	for rows.Next() {
		var source string
		var amount float64
		if err := rows.Scan(&source, &amount); err != nil {
			return nil, database.Classify(err)
		}
		out.BySource[source] = amount
		out.Total += amount
	}
	return out, rows.Err()
}

// ==== P&L ====

// PnL is the window rollup: recognized revenue against actual event costs
// and reconciled expenses.
type PnL struct {
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Revenue         float64   `json:"revenue"`
	EventCosts      float64   `json:"eventCosts"`
	OtherExpenses   float64   `json:"otherExpenses"`
	Profit          float64   `json:"profit"`
	MarginPercent   *float64  `json:"marginPercent,omitempty"`
	EventsWithCosts int       `json:"eventsWithCosts"`
}

func (s *PostgresStore) ProfitAndLoss(ctx context.Context, from, to time.Time) (*PnL, error) {
	out := &PnL{From: from, To: to}

	err := s.db.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0)
		FROM revenue_entries
		WHERE earned_at >= $1 AND earned_at <= $2`, from, to).Scan(&out.Revenue)
	if err != nil {
		return nil, database.Classify(err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT coalesce(sum(b.total), 0), count(*)
		FROM event_budgets b
		JOIN events e ON e.id = b.event_id
		WHERE b.kind = 'actual' AND e.event_date >= $1 AND e.event_date <= $2`,
		from, to).Scan(&out.EventCosts, &out.EventsWithCosts)
	if err != nil {
		return nil, database.Classify(err)
	}

	// Expenses not attributed to any event, so event actuals are not counted twice.
	err = s.db.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0)
		FROM expenses
		WHERE event_id IS NULL AND spent_at >= $1 AND spent_at <= $2`, from, to).Scan(&out.OtherExpenses)
	if err != nil {
		return nil, database.Classify(err)
	}

	out.Profit = out.Revenue - out.EventCosts - out.OtherExpenses
	if out.Revenue != 0 {
		m := out.Profit / out.Revenue * 100
		out.MarginPercent = &m
	}
	return out, nil
}
