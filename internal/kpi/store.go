package kpi

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// PostgresStore is the durable Store over kpi_thresholds,
// kpi_threshold_versions, and kpi_alerts. Version snapshots and notification
// records are stored as JSONB; the head row keeps queryable columns.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps the shared handle.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const thresholdCols = `
	id, kpi_name, category, condition, threshold_value, warning_threshold,
	critical_threshold, aggregation, aggregation_period, severity, enabled,
	cooldown_minutes, channels, recipients, current_version, last_alert_at,
	created_at, updated_at`

func scanThreshold(row interface{ Scan(...any) error }) (*domain.KPIThreshold, error) {
	var (
		t         domain.KPIThreshold
		warning   sql.NullFloat64
		critical  sql.NullFloat64
		lastAlert sql.NullTime
	)
	err := row.Scan(&t.ID, &t.KPIName, &t.Category, &t.Condition,
		&t.ThresholdValue, &warning, &critical, &t.Aggregation,
		&t.AggregationPeriod, &t.Severity, &t.Enabled, &t.CooldownMinutes,
		pq.Array(&t.Channels), pq.Array(&t.Recipients), &t.CurrentVersion,
		&lastAlert, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if warning.Valid {
		t.WarningThreshold = &warning.Float64
	}
	if critical.Valid {
		t.CriticalThreshold = &critical.Float64
	}
	if lastAlert.Valid {
		t.LastAlertAt = &lastAlert.Time
	}
	return &t, nil
}

func insertThresholdHead(ctx context.Context, q database.Querier, t *domain.KPIThreshold) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kpi_thresholds (`+thresholdCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18)`,
		t.ID, t.KPIName, t.Category, t.Condition, t.ThresholdValue,
		t.WarningThreshold, t.CriticalThreshold, t.Aggregation,
		t.AggregationPeriod, t.Severity, t.Enabled, t.CooldownMinutes,
		pq.Array(t.Channels), pq.Array(t.Recipients), t.CurrentVersion,
		t.LastAlertAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func insertVersion(ctx context.Context, q database.Querier, v *domain.KPIThresholdVersion) error {
	snapshot, err := json.Marshal(v.Snapshot)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO kpi_threshold_versions
			(id, threshold_id, version, snapshot, is_current, effective_from,
			 effective_to, changed_by, change_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.ThresholdID, v.Version, snapshot, v.IsCurrent,
		v.EffectiveFrom, v.EffectiveTo, v.ChangedBy, v.ChangeReason)
	return err
}

// InsertThreshold writes the head row and version 1 atomically.
func (s *PostgresStore) InsertThreshold(ctx context.Context, t *domain.KPIThreshold, v *domain.KPIThresholdVersion) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertThresholdHead(ctx, tx, t); err != nil {
			return database.Classify(err)
		}
		return insertVersion(ctx, tx, v)
	})
}

// ReplaceCurrentVersion retires the current version at next.EffectiveFrom,
// writes the new current version, and updates the head row, all in one
// transaction. Versions stay gap-free and interval-adjacent.
func (s *PostgresStore) ReplaceCurrentVersion(ctx context.Context, head *domain.KPIThreshold, next *domain.KPIThresholdVersion) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kpi_threshold_versions
			SET is_current = FALSE, effective_to = $2
			WHERE threshold_id = $1 AND is_current`,
			head.ID, next.EffectiveFrom)
		if err != nil {
			return database.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return database.ErrNotFound
		}
		if err := insertVersion(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE kpi_thresholds SET
				kpi_name = $2, category = $3, condition = $4,
				threshold_value = $5, warning_threshold = $6,
				critical_threshold = $7, aggregation = $8,
				aggregation_period = $9, severity = $10, enabled = $11,
				cooldown_minutes = $12, channels = $13, recipients = $14,
				current_version = $15, updated_at = $16
			WHERE id = $1`,
			head.ID, head.KPIName, head.Category, head.Condition,
			head.ThresholdValue, head.WarningThreshold, head.CriticalThreshold,
			head.Aggregation, head.AggregationPeriod, head.Severity,
			head.Enabled, head.CooldownMinutes, pq.Array(head.Channels),
			pq.Array(head.Recipients), head.CurrentVersion, head.UpdatedAt)
		return database.Classify(err)
	})
}

// GetThreshold fetches one head row.
func (s *PostgresStore) GetThreshold(ctx context.Context, id string) (*domain.KPIThreshold, error) {
	return scanThreshold(s.db.QueryRow(ctx, `
		SELECT `+thresholdCols+` FROM kpi_thresholds WHERE id = $1`, id))
}

// ListThresholds returns head rows, optionally only enabled ones.
func (s *PostgresStore) ListThresholds(ctx context.Context, enabledOnly bool) ([]*domain.KPIThreshold, error) {
	query := `SELECT ` + thresholdCols + ` FROM kpi_thresholds`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.KPIThreshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanVersion(row interface{ Scan(...any) error }) (*domain.KPIThresholdVersion, error) {
	var (
		v           domain.KPIThresholdVersion
		snapshot    []byte
		effectiveTo sql.NullTime
		changedBy   sql.NullString
		reason      sql.NullString
	)
	err := row.Scan(&v.ID, &v.ThresholdID, &v.Version, &snapshot, &v.IsCurrent,
		&v.EffectiveFrom, &effectiveTo, &changedBy, &reason)
	if err != nil {
		return nil, database.Classify(err)
	}
	if err := json.Unmarshal(snapshot, &v.Snapshot); err != nil {
		return nil, err
	}
	if effectiveTo.Valid {
		v.EffectiveTo = &effectiveTo.Time
	}
	v.ChangedBy = changedBy.String
	v.ChangeReason = reason.String
	return &v, nil
}

const versionCols = `
	id, threshold_id, version, snapshot, is_current, effective_from,
	effective_to, changed_by, change_reason`

// VersionAt selects the version effective at a point in time.
func (s *PostgresStore) VersionAt(ctx context.Context, thresholdID string, at time.Time) (*domain.KPIThresholdVersion, error) {
	return scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionCols+` FROM kpi_threshold_versions
		WHERE threshold_id = $1
		  AND effective_from <= $2
		  AND (effective_to IS NULL OR effective_to > $2)
		ORDER BY version DESC
		LIMIT 1`, thresholdID, at))
}

// VersionByNumber fetches one historical version.
func (s *PostgresStore) VersionByNumber(ctx context.Context, thresholdID string, version int) (*domain.KPIThresholdVersion, error) {
	return scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionCols+` FROM kpi_threshold_versions
		WHERE threshold_id = $1 AND version = $2`, thresholdID, version))
}

// SetLastAlertAt stamps the cooldown anchor.
func (s *PostgresStore) SetLastAlertAt(ctx context.Context, thresholdID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE kpi_thresholds SET last_alert_at = $2, updated_at = $2
		WHERE id = $1`, thresholdID, at)
	return err
}

// ==== ALERTS ====

const alertCols = `
	id, threshold_id, kpi_name, severity, status, current_value,
	threshold_value, deviation_percent, message, context, created_at,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at,
	snoozed_until, notifications, notification_count`

func scanAlert(row interface{ Scan(...any) error }) (*domain.KPIAlert, error) {
	var (
		a             domain.KPIAlert
		contextRaw    []byte
		ackBy         sql.NullString
		ackAt         sql.NullTime
		resolvedBy    sql.NullString
		resolvedAt    sql.NullTime
		snoozedUntil  sql.NullTime
		notifications []byte
	)
	err := row.Scan(&a.ID, &a.ThresholdID, &a.KPIName, &a.Severity, &a.Status,
		&a.CurrentValue, &a.ThresholdValue, &a.DeviationPercent, &a.Message,
		&contextRaw, &a.CreatedAt, &ackBy, &ackAt, &resolvedBy, &resolvedAt,
		&snoozedUntil, &notifications, &a.NotificationCount)
	if err != nil {
		return nil, database.Classify(err)
	}
	if len(contextRaw) > 0 {
		json.Unmarshal(contextRaw, &a.Context)
	}
	if len(notifications) > 0 {
		json.Unmarshal(notifications, &a.Notifications)
	}
	if ackBy.Valid {
		a.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if snoozedUntil.Valid {
		a.SnoozedUntil = &snoozedUntil.Time
	}
	return &a, nil
}

// InsertAlert persists a new alert.
func (s *PostgresStore) InsertAlert(ctx context.Context, a *domain.KPIAlert) error {
	contextRaw, err := json.Marshal(a.Context)
	if err != nil {
		return err
	}
	// An empty jsonb array, never null, so AppendNotification can always
	// concatenate.
	notifications := []byte("[]")
	if len(a.Notifications) > 0 {
		notifications, err = json.Marshal(a.Notifications)
		if err != nil {
			return err
		}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO kpi_alerts (`+alertCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18)`,
		a.ID, a.ThresholdID, a.KPIName, a.Severity, a.Status, a.CurrentValue,
		a.ThresholdValue, a.DeviationPercent, a.Message, contextRaw,
		a.CreatedAt, a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedBy,
		a.ResolvedAt, a.SnoozedUntil, notifications, a.NotificationCount)
	return err
}

// GetAlert fetches one alert.
func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*domain.KPIAlert, error) {
	return scanAlert(s.db.QueryRow(ctx, `
		SELECT `+alertCols+` FROM kpi_alerts WHERE id = $1`, id))
}

// ListAlerts returns alerts newest first, optionally by status.
func (s *PostgresStore) ListAlerts(ctx context.Context, status *domain.AlertStatus) ([]*domain.KPIAlert, error) {
	query := `SELECT ` + alertCols + ` FROM kpi_alerts`
	var args []any
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.KPIAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAlertStatus persists a lifecycle transition.
func (s *PostgresStore) SetAlertStatus(ctx context.Context, a *domain.KPIAlert) error {
	res, err := s.db.Exec(ctx, `
		UPDATE kpi_alerts SET
			status = $2, acknowledged_by = $3, acknowledged_at = $4,
			resolved_by = $5, resolved_at = $6, snoozed_until = $7
		WHERE id = $1`,
		a.ID, a.Status, a.AcknowledgedBy, a.AcknowledgedAt,
		a.ResolvedBy, a.ResolvedAt, a.SnoozedUntil)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ReactivateSnoozed flips expired snoozes back to active.
func (s *PostgresStore) ReactivateSnoozed(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE kpi_alerts
		SET status = 'active', snoozed_until = NULL
		WHERE status = 'snoozed' AND snoozed_until < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AppendNotification appends one send record and bumps the counter.
func (s *PostgresStore) AppendNotification(ctx context.Context, alertID string, rec domain.NotificationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, `
		UPDATE kpi_alerts
		SET notifications = notifications || $2::jsonb,
		    notification_count = notification_count + 1
		WHERE id = $1`, alertID, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}
	return nil
}
