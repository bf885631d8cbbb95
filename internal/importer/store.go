package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// PostgresBackend implements Backend over the shared handle. Every apply
// runs in its own transaction so one bad row never poisons its neighbors.
type PostgresBackend struct {
	db *database.DB
}

func NewPostgresBackend(db *database.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// ==== DIRECTORY ====

func (s *PostgresBackend) Ambassadors(ctx context.Context) ([]*domain.Ambassador, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, first_name, last_name, email, skill_level, hourly_rate, is_active
		FROM ambassadors
		ORDER BY last_name, first_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Ambassador
	for rows.Next() {
		a := &domain.Ambassador{}
		if err := rows.Scan(&a.ID, &a.FirstName, &a.LastName, &a.Email, &a.SkillLevel, &a.HourlyRate, &a.IsActive); err != nil {
			return nil, database.Classify(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresBackend) Operators(ctx context.Context) ([]*domain.Operator, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, display_name, short_name, is_active
		FROM operators
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Operator
	for rows.Next() {
		op := &domain.Operator{}
		if err := rows.Scan(&op.ID, &op.DisplayName, &op.ShortName, &op.IsActive); err != nil {
			return nil, database.Classify(err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ==== IMPORT LOG ====

const importLogCols = `id, kind, file_name, file_hash, status, total_rows,
	processed_rows, error_rows, skipped_duplicates, created_entities,
	updated_entities, errors, warnings, started_by, started_at, finished_at`

func (s *PostgresBackend) InsertLog(ctx context.Context, l *domain.ImportLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO import_logs (`+importLogCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.Kind, l.FileName, l.FileHash, l.Status, l.TotalRows,
		l.ProcessedRows, l.ErrorRows, l.SkippedDuplicates, l.CreatedEntities,
		l.UpdatedEntities, pq.Array(l.Errors), pq.Array(l.Warnings),
		l.StartedBy, l.StartedAt, l.FinishedAt)
	return err
}

func (s *PostgresBackend) UpdateLog(ctx context.Context, l *domain.ImportLog) error {
	_, err := s.db.Exec(ctx, `
		UPDATE import_logs
		SET status = $2, total_rows = $3, processed_rows = $4, error_rows = $5,
		    skipped_duplicates = $6, created_entities = $7, updated_entities = $8,
		    errors = $9, warnings = $10, finished_at = $11
		WHERE id = $1`,
		l.ID, l.Status, l.TotalRows, l.ProcessedRows, l.ErrorRows,
		l.SkippedDuplicates, l.CreatedEntities, l.UpdatedEntities,
		pq.Array(l.Errors), pq.Array(l.Warnings), l.FinishedAt)
	return err
}

func (s *PostgresBackend) GetLog(ctx context.Context, id string) (*domain.ImportLog, error) {
	row := s.db.QueryRow(ctx, `SELECT `+importLogCols+` FROM import_logs WHERE id = $1`, id)
	l := &domain.ImportLog{}
	var finishedAt sql.NullTime
	err := row.Scan(&l.ID, &l.Kind, &l.FileName, &l.FileHash, &l.Status, &l.TotalRows,
		&l.ProcessedRows, &l.ErrorRows, &l.SkippedDuplicates, &l.CreatedEntities,
		&l.UpdatedEntities, pq.Array(&l.Errors), pq.Array(&l.Warnings),
		&l.StartedBy, &l.StartedAt, &finishedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if finishedAt.Valid {
		l.FinishedAt = &finishedAt.Time
	}
	return l, nil
}

func (s *PostgresBackend) SetLogStatus(ctx context.Context, id string, status domain.ImportStatus) error {
	res, err := s.db.Exec(ctx, `UPDATE import_logs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *PostgresBackend) InsertRowDetail(ctx context.Context, d *domain.ImportRowDetail) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO import_row_details (id, import_id, line_no, status, action, message, raw_data, entity_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ImportID, d.LineNo, d.Status, d.Action, d.Message, d.RawData, d.EntityID, d.CreatedAt)
	return err
}

// RowDetails lists the per-line outcomes of one run, in file order.
func (s *PostgresBackend) RowDetails(ctx context.Context, importID string) ([]*domain.ImportRowDetail, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, import_id, line_no, status, action, message, raw_data, entity_id, created_at
		FROM import_row_details
		WHERE import_id = $1
		ORDER BY line_no`, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ImportRowDetail
	for rows.Next() {
		d := &domain.ImportRowDetail{}
		var entityID sql.NullString
		if err := rows.Scan(&d.ID, &d.ImportID, &d.LineNo, &d.Status, &d.Action, &d.Message, &d.RawData, &entityID, &d.CreatedAt); err != nil {
			return nil, database.Classify(err)
		}
		if entityID.Valid {
			d.EntityID = &entityID.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresBackend) InsertAudit(ctx context.Context, a *domain.ImportAuditEntry) error {
	detail, err := json.Marshal(a.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO import_audit_entries (id, import_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ImportID, a.Action, a.EntityType, a.EntityID, detail, a.CreatedAt)
	return err
}

func (s *PostgresBackend) AuditTrail(ctx context.Context, importID string) ([]*domain.ImportAuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, import_id, action, entity_type, entity_id, detail, created_at
		FROM import_audit_entries
		WHERE import_id = $1
		ORDER BY created_at`, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ImportAuditEntry
	for rows.Next() {
		a := &domain.ImportAuditEntry{}
		var detail []byte
		if err := rows.Scan(&a.ID, &a.ImportID, &a.Action, &a.EntityType, &a.EntityID, &detail, &a.CreatedAt); err != nil {
			return nil, database.Classify(err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &a.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Imports lists recent runs, newest first.
func (s *PostgresBackend) Imports(ctx context.Context, limit int) ([]*domain.ImportLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+importLogCols+` FROM import_logs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ImportLog
	for rows.Next() {
		l := &domain.ImportLog{}
		var finishedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.Kind, &l.FileName, &l.FileHash, &l.Status, &l.TotalRows,
			&l.ProcessedRows, &l.ErrorRows, &l.SkippedDuplicates, &l.CreatedEntities,
			&l.UpdatedEntities, pq.Array(&l.Errors), pq.Array(&l.Warnings),
			&l.StartedBy, &l.StartedAt, &finishedAt); err != nil {
			return nil, database.Classify(err)
		}
		if finishedAt.Valid {
			l.FinishedAt = &finishedAt.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ==== DEDUP PROBES ====

func (s *PostgresBackend) SignupExists(ctx context.Context, emailLower string, operatorID int64, date time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sign_ups
			WHERE lower(customer_email) = $1
			  AND operator_id = $2
			  AND submitted_at::date = $3::date
		)`, emailLower, operatorID, date).Scan(&exists)
	if err != nil {
		return false, database.Classify(err)
	}
	return exists, nil
}

// FindEvent matches prefix-tolerantly in both directions: the imported name
// may be a shortening of the stored venue or the other way around.
func (s *PostgresBackend) FindEvent(ctx context.Context, date time.Time, venue string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM events
		WHERE event_date::date = $1::date
		  AND (lower(venue) LIKE lower($2) || '%' OR lower($2) LIKE lower(venue) || '%')
		ORDER BY created_at
		LIMIT 1`, date, venue).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, database.Classify(err)
	}
	return id, true, nil
}

func (s *PostgresBackend) RateFor(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, operator_id, state_code, cpa_amount, effective_date, end_date, is_active
		FROM cpa_rates
		WHERE operator_id = $1 AND state_code = $2 AND is_active
		  AND effective_date <= $3
		  AND (end_date IS NULL OR end_date >= $3)
		ORDER BY effective_date DESC
		LIMIT 1`, operatorID, state, at)
	r := &domain.CpaRate{}
	var endDate sql.NullTime
	err := row.Scan(&r.ID, &r.OperatorID, &r.StateCode, &r.CPAAmount, &r.EffectiveDate, &endDate, &r.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, database.Classify(err)
	}
	if endDate.Valid {
		r.EndDate = &endDate.Time
	}
	return r, nil
}

// ==== APPLY ====

func (s *PostgresBackend) ApplyEvent(ctx context.Context, importID string, ev *domain.Event, ambassadorIDs []string) (bool, error) {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, title, venue, event_date, start_time, end_time, timezone,
				city, state, status, event_type, notes, import_batch_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			ev.ID, ev.Title, ev.Venue, ev.EventDate, ev.StartTime, ev.EndTime, ev.Timezone,
			ev.City, ev.State, ev.Status, ev.EventType, ev.Notes, ev.ImportBatchID,
			ev.CreatedAt, ev.UpdatedAt)
		if err != nil {
			return database.Classify(err)
		}
		for _, ambassadorID := range ambassadorIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO assignments (id, event_id, ambassador_id, status, created_at)
				VALUES (gen_random_uuid(), $1, $2, $3, now())
				ON CONFLICT (event_id, ambassador_id) DO NOTHING`,
				ev.ID, ambassadorID, domain.AssignmentCompleted)
			if err != nil {
				return database.Classify(err)
			}
		}
		return nil
	})
	return err == nil, err
}

func (s *PostgresBackend) ApplySignup(ctx context.Context, importID string, su *domain.SignUp, attribution *domain.CpaAttribution) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sign_ups (id, event_id, solo_chat_id, ambassador_id, operator_id,
				customer_email, customer_name, customer_state, submitted_at,
				validation_status, extraction_status, cpa_amount, idempotency_key,
				import_batch_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			su.ID, su.EventID, su.SoloChatID, su.AmbassadorID, su.OperatorID,
			su.CustomerEmail, su.CustomerName, su.CustomerState, su.SubmittedAt,
			su.ValidationStat, su.ExtractionStat, su.CPAAmount, su.IdempotencyKey,
			su.ImportBatchID, su.CreatedAt, su.UpdatedAt)
		if err != nil {
			return database.Classify(err)
		}
		if attribution != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cpa_attributions (id, sign_up_id, rate_id, cpa_amount, attributed_at)
				VALUES ($1, $2, $3, $4, $5)`,
				attribution.ID, attribution.SignUpID, attribution.RateID,
				attribution.CPAAmount, attribution.AttributedAt)
			if err != nil {
				return database.Classify(err)
			}
		}
		return nil
	})
}

func (s *PostgresBackend) ApplyBudget(ctx context.Context, importID string, eventID string, b *domain.EventBudget) (bool, error) {
	created := false
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// One row per (event, kind); re-imports overwrite in place.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO event_budgets (id, event_id, kind, staff, reimbursements, rewards,
				base, bonus_kickback, parking, setup, additional1, additional2,
				additional3, additional4, total, revenue, profit, margin_percent,
				import_batch_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (event_id, kind) DO UPDATE SET
				staff = EXCLUDED.staff, reimbursements = EXCLUDED.reimbursements,
				rewards = EXCLUDED.rewards, base = EXCLUDED.base,
				bonus_kickback = EXCLUDED.bonus_kickback, parking = EXCLUDED.parking,
				setup = EXCLUDED.setup, additional1 = EXCLUDED.additional1,
				additional2 = EXCLUDED.additional2, additional3 = EXCLUDED.additional3,
				additional4 = EXCLUDED.additional4, total = EXCLUDED.total,
				revenue = EXCLUDED.revenue, profit = EXCLUDED.profit,
				margin_percent = EXCLUDED.margin_percent,
				import_batch_id = EXCLUDED.import_batch_id,
				updated_at = EXCLUDED.updated_at`,
			b.ID, eventID, b.Kind, b.Items.Staff, b.Items.Reimbursements, b.Items.Rewards,
			b.Items.Base, b.Items.BonusKickback, b.Items.Parking, b.Items.Setup,
			b.Items.Additional1, b.Items.Additional2, b.Items.Additional3, b.Items.Additional4,
			b.Total, b.Revenue, b.Profit, b.Margin, b.ImportBatchID, b.UpdatedAt)
		if err != nil {
			return database.Classify(err)
		}
		// xmax = 0 would tell insert from update, but RowsAffected cannot see
		// it through lib/pq; probe the id we tried to insert instead.
		_ = res
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM event_budgets WHERE event_id = $1 AND kind = $2`, eventID, b.Kind).Scan(&id); err != nil {
			return database.Classify(err)
		}
		created = id == b.ID
		return nil
	})
	return created, err
}

// ==== ROLLBACK ====

// RollbackBatch deletes everything tagged with the import's batch id.
// Dependents go first so foreign keys never block the sweep. Idempotent.
func (s *PostgresBackend) RollbackBatch(ctx context.Context, importID string) (int, error) {
	total := 0
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		total = 0
		statements := []string{
			`DELETE FROM cpa_attributions WHERE sign_up_id IN (SELECT id FROM sign_ups WHERE import_batch_id = $1)`,
			`DELETE FROM sign_ups WHERE import_batch_id = $1`,
			`DELETE FROM event_budgets WHERE import_batch_id = $1`,
			`DELETE FROM assignments WHERE event_id IN (SELECT id FROM events WHERE import_batch_id = $1)`,
			`DELETE FROM events WHERE import_batch_id = $1`,
		}
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt, importID)
			if err != nil {
				return database.Classify(err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	return total, err
}
