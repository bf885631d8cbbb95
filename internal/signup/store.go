package signup

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// PostgresStore is the durable Store over the sign_ups, cpa_rates, and
// sign_up_sync_failures tables.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps the shared handle.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signUpCols = `
	id, event_id, solo_chat_id, ambassador_id, operator_id, customer_email,
	customer_name, customer_state, submitted_at, validation_status,
	extraction_status, bet_amount, team_bet_on, odds, extraction_confidence,
	cpa_amount, pay_period_id, idempotency_key, image_key, import_batch_id,
	created_at, updated_at`

func scanSignUp(row interface{ Scan(...any) error }) (*domain.SignUp, error) {
	var (
		s          domain.SignUp
		eventID    sql.NullString
		soloChatID sql.NullString
		state      sql.NullString
		betAmount  sql.NullFloat64
		teamBetOn  sql.NullString
		odds       sql.NullString
		confidence sql.NullFloat64
		cpa        sql.NullFloat64
		payPeriod  sql.NullString
		imageKey   sql.NullString
		batchID    sql.NullString
	)
	err := row.Scan(&s.ID, &eventID, &soloChatID, &s.AmbassadorID, &s.OperatorID,
		&s.CustomerEmail, &s.CustomerName, &state, &s.SubmittedAt,
		&s.ValidationStat, &s.ExtractionStat, &betAmount, &teamBetOn, &odds,
		&confidence, &cpa, &payPeriod, &s.IdempotencyKey, &imageKey, &batchID,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if eventID.Valid {
		s.EventID = &eventID.String
	}
	if soloChatID.Valid {
		s.SoloChatID = &soloChatID.String
	}
	if state.Valid {
		s.CustomerState = &state.String
	}
	if betAmount.Valid {
		s.BetAmount = &betAmount.Float64
	}
	if teamBetOn.Valid {
		s.TeamBetOn = &teamBetOn.String
	}
	if odds.Valid {
		s.Odds = &odds.String
	}
	if confidence.Valid {
		s.ExtractionConfidence = &confidence.Float64
	}
	if cpa.Valid {
		s.CPAAmount = &cpa.Float64
	}
	if payPeriod.Valid {
		s.PayPeriodID = &payPeriod.String
	}
	if imageKey.Valid {
		s.ImageKey = &imageKey.String
	}
	if batchID.Valid {
		s.ImportBatchID = &batchID.String
	}
	return &s, nil
}

// Insert persists a new sign-up. A replayed (operator_id, idempotency_key)
// surfaces as ErrConflict.
func (st *PostgresStore) Insert(ctx context.Context, s *domain.SignUp) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO sign_ups (`+signUpCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		s.ID, s.EventID, s.SoloChatID, s.AmbassadorID, s.OperatorID,
		s.CustomerEmail, s.CustomerName, s.CustomerState, s.SubmittedAt,
		s.ValidationStat, s.ExtractionStat, s.BetAmount, s.TeamBetOn, s.Odds,
		s.ExtractionConfidence, s.CPAAmount, s.PayPeriodID, s.IdempotencyKey,
		s.ImageKey, s.ImportBatchID, s.CreatedAt, s.UpdatedAt)
	return err
}

// ByID fetches one sign-up.
func (st *PostgresStore) ByID(ctx context.Context, id string) (*domain.SignUp, error) {
	return scanSignUp(st.db.QueryRow(ctx, `
		SELECT `+signUpCols+` FROM sign_ups WHERE id = $1`, id))
}

// ByIdempotency fetches the sign-up for a replayed key.
func (st *PostgresStore) ByIdempotency(ctx context.Context, operatorID int64, key string) (*domain.SignUp, error) {
	return scanSignUp(st.db.QueryRow(ctx, `
		SELECT `+signUpCols+` FROM sign_ups
		WHERE operator_id = $1 AND idempotency_key = $2`, operatorID, key))
}

// ActiveDuplicate finds another live sign-up for the same customer and
// operator. Live means pending or validated.
func (st *PostgresStore) ActiveDuplicate(ctx context.Context, emailLower string, operatorID int64, excludeID string) (*domain.SignUp, error) {
	return scanSignUp(st.db.QueryRow(ctx, `
		SELECT `+signUpCols+` FROM sign_ups
		WHERE customer_email = $1 AND operator_id = $2 AND id <> $3
		  AND validation_status IN ('pending', 'validated')
		ORDER BY created_at ASC
		LIMIT 1`, emailLower, operatorID, excludeID))
}

// SetValidation moves the validation state and writes cpa_amount atomically.
func (st *PostgresStore) SetValidation(ctx context.Context, id string, status domain.ValidationStatus, cpaAmount *float64) error {
	res, err := st.db.Exec(ctx, `
		UPDATE sign_ups
		SET validation_status = $2, cpa_amount = $3, updated_at = NOW()
		WHERE id = $1`, id, status, cpaAmount)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetExtraction moves the extraction state and, when res is non-nil, writes
// the extracted wager fields.
func (st *PostgresStore) SetExtraction(ctx context.Context, id string, status domain.ExtractionStatus, res *domain.ExtractionResult) error {
	if res == nil {
		r, err := st.db.Exec(ctx, `
			UPDATE sign_ups
			SET extraction_status = $2, updated_at = NOW()
			WHERE id = $1`, id, status)
		if err != nil {
			return err
		}
		return requireRow(r)
	}
	r, err := st.db.Exec(ctx, `
		UPDATE sign_ups
		SET extraction_status = $2, bet_amount = $3, team_bet_on = $4,
		    odds = $5, extraction_confidence = $6, updated_at = NOW()
		WHERE id = $1`,
		id, status, res.BetAmount, res.TeamBetOn, res.Odds, res.Confidence)
	if err != nil {
		return err
	}
	return requireRow(r)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ReviewQueue lists sign-ups awaiting extraction review, oldest first.
func (st *PostgresStore) ReviewQueue(ctx context.Context) ([]*domain.SignUp, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+signUpCols+` FROM sign_ups
		WHERE extraction_status = 'needs_review'
		ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SignUp
	for rows.Next() {
		s, err := scanSignUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindRate resolves the CPA rate for (operator, state) at a point in time:
// the active rate with the latest effective_date not after the date, whose
// window still covers it.
func (st *PostgresStore) FindRate(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error) {
	row := st.db.QueryRow(ctx, `
		SELECT id, operator_id, state_code, cpa_amount, effective_date, end_date, is_active
		FROM cpa_rates
		WHERE operator_id = $1 AND state_code = $2 AND is_active
		  AND effective_date <= $3
		  AND (end_date IS NULL OR end_date >= $3)
		ORDER BY effective_date DESC
		LIMIT 1`, operatorID, state, at)

	var (
		r       domain.CpaRate
		endDate sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OperatorID, &r.StateCode, &r.CPAAmount,
		&r.EffectiveDate, &endDate, &r.IsActive)
	if err != nil {
		return nil, database.Classify(err)
	}
	if endDate.Valid {
		r.EndDate = &endDate.Time
	}
	return &r, nil
}

// InsertSyncFailure records one failed fan-out leg.
func (st *PostgresStore) InsertSyncFailure(ctx context.Context, f *domain.SyncFailure) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO sign_up_sync_failures
			(id, sign_up_id, sync_phase, error_type, error_message,
			 attempt_count, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.SignUpID, f.Phase, f.ErrorType, f.ErrorMessage,
		f.AttemptCount, f.LastAttemptAt)
	return err
}

const syncFailureCols = `
	id, sign_up_id, sync_phase, error_type, error_message, attempt_count,
	last_attempt_at, resolved_at`

func scanSyncFailure(row interface{ Scan(...any) error }) (*domain.SyncFailure, error) {
	var (
		f        domain.SyncFailure
		resolved sql.NullTime
	)
	err := row.Scan(&f.ID, &f.SignUpID, &f.Phase, &f.ErrorType, &f.ErrorMessage,
		&f.AttemptCount, &f.LastAttemptAt, &resolved)
	if err != nil {
		return nil, database.Classify(err)
	}
	if resolved.Valid {
		f.ResolvedAt = &resolved.Time
	}
	return &f, nil
}

// OpenSyncFailures lists unresolved fan-out failures, oldest first.
func (st *PostgresStore) OpenSyncFailures(ctx context.Context) ([]*domain.SyncFailure, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+syncFailureCols+` FROM sign_up_sync_failures
		WHERE resolved_at IS NULL
		ORDER BY last_attempt_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SyncFailure
	for rows.Next() {
		f, err := scanSyncFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SyncFailureByID fetches one failure row.
func (st *PostgresStore) SyncFailureByID(ctx context.Context, id string) (*domain.SyncFailure, error) {
	return scanSyncFailure(st.db.QueryRow(ctx, `
		SELECT `+syncFailureCols+` FROM sign_up_sync_failures WHERE id = $1`, id))
}

// ResolveSyncFailure stamps resolved_at after a successful retry.
func (st *PostgresStore) ResolveSyncFailure(ctx context.Context, id string) error {
	res, err := st.db.Exec(ctx, `
		UPDATE sign_up_sync_failures
		SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListFilter narrows List; zero values mean "no constraint".
type ListFilter struct {
	FromDate     *time.Time
	ToDate       *time.Time
	Status       domain.ValidationStatus
	OperatorID   *int64
	AmbassadorID string
	EventID      string
	Offset       int
	Limit        int
}

// List serves the paged admin listing; not part of the pipeline Store
// interface because only the HTTP surface reads it.
func (st *PostgresStore) List(ctx context.Context, f ListFilter) ([]*domain.SignUp, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		where += clause + "$" + strconv.Itoa(n)
	}
	if f.FromDate != nil {
		add(` AND submitted_at >= `, *f.FromDate)
	}
	if f.ToDate != nil {
		add(` AND submitted_at <= `, *f.ToDate)
	}
	if f.Status != "" {
		add(` AND validation_status = `, f.Status)
	}
	if f.OperatorID != nil {
		add(` AND operator_id = `, *f.OperatorID)
	}
	if f.AmbassadorID != "" {
		add(` AND ambassador_id = `, f.AmbassadorID)
	}
	if f.EventID != "" {
		add(` AND event_id = `, f.EventID)
	}

	var total int
	if err := st.db.QueryRow(ctx, `SELECT count(*) FROM sign_ups`+where, args...).Scan(&total); err != nil {
		return nil, 0, database.Classify(err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := st.db.Query(ctx, `
		SELECT `+signUpCols+` FROM sign_ups`+where+`
		ORDER BY submitted_at DESC, created_at DESC
		LIMIT $`+strconv.Itoa(n+1)+` OFFSET $`+strconv.Itoa(n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.SignUp
	for rows.Next() {
		s, err := scanSignUp(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
