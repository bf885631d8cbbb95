package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// claimStale is how long a claim stays valid without progress before another
// node may take the checkpoint over.
const claimStale = 5 * time.Minute

// PostgresStore is the durable Store backed by the sync_checkpoints table.
// node identifies this process; a fresh checkpoint may only be claimed by
// the node that created it.
type PostgresStore struct {
	db   *database.DB
	node string
}

// NewPostgresStore wraps the shared handle.
func NewPostgresStore(db *database.DB, node string) *PostgresStore {
	return &PostgresStore{db: db, node: node}
}

const checkpointCols = `
	id, integration, sync_type, total_records, processed_records,
	failed_records, last_processed_id, cursor, status, error_message,
	created_at, updated_at`

func scanCheckpoint(row interface{ Scan(...any) error }) (*domain.SyncCheckpoint, error) {
	var (
		cp     domain.SyncCheckpoint
		total  sql.NullInt64
		lastID sql.NullString
		cursor sql.NullString
		errMsg sql.NullString
	)
	err := row.Scan(&cp.ID, &cp.Integration, &cp.SyncType, &total,
		&cp.ProcessedRecords, &cp.FailedRecords, &lastID, &cursor,
		&cp.Status, &errMsg, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if total.Valid {
		t := int(total.Int64)
		cp.TotalRecords = &t
	}
	if lastID.Valid {
		cp.LastProcessedID = &lastID.String
	}
	if cursor.Valid {
		cp.Cursor = &cursor.String
	}
	if errMsg.Valid {
		cp.ErrorMessage = &errMsg.String
	}
	return &cp, nil
}

// CreateOrResume returns the most recent resumable checkpoint for the pair,
// or inserts a fresh one.
func (s *PostgresStore) CreateOrResume(ctx context.Context, integration, syncType string) (*domain.SyncCheckpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+checkpointCols+`
		FROM sync_checkpoints
		WHERE integration = $1 AND sync_type = $2
		  AND status IN ('in_progress', 'paused', 'failed')
		ORDER BY created_at DESC
		LIMIT 1`, integration, syncType)
	cp, err := scanCheckpoint(row)
	if err == nil {
		return cp, nil
	}
	if !database.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	fresh := &domain.SyncCheckpoint{
		ID:          uuid.NewString(),
		Integration: integration,
		SyncType:    syncType,
		Status:      domain.SyncInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sync_checkpoints
			(id, integration, sync_type, processed_records, failed_records, status, claimed_by, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $6)`,
		fresh.ID, integration, syncType, fresh.Status, s.node, now)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// Claim takes the checkpoint for this node. The row lock from FOR UPDATE
// SKIP LOCKED arbitrates simultaneous claimers; the updated_at heartbeat
// keeps a crashed holder from blocking the pair forever.
func (s *PostgresStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET status = 'in_progress', error_message = NULL, claimed_by = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_checkpoints
			WHERE id = $1
			  AND (status IN ('paused', 'failed') OR updated_at < NOW() - $2::interval)
			FOR UPDATE SKIP LOCKED
		)`, id, fmt.Sprintf("%d seconds", int(claimStale.Seconds())), s.node)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// A brand-new checkpoint has a current heartbeat; only its creator may
	// take it, so a second node starting the same fresh sync exits with
	// ErrAlreadyRunning instead of running concurrently.
	res, err = s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_checkpoints
			WHERE id = $1 AND status = 'in_progress' AND processed_records = 0
			  AND claimed_by = $2
			FOR UPDATE SKIP LOCKED
		)`, id, s.node)
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	return n > 0, err
}

// SetTotal persists the partner-reported collection size.
func (s *PostgresStore) SetTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET total_records = $2, updated_at = NOW()
		WHERE id = $1`, id, total)
	return err
}

// ApplyRecord runs the record's upsert and the checkpoint advance in one
// transaction: either both land or neither does.
func (s *PostgresStore) ApplyRecord(ctx context.Context, cp *domain.SyncCheckpoint, rec Record) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := rec.Apply(ctx, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_checkpoints
			SET processed_records = processed_records + 1,
			    last_processed_id = $2,
			    updated_at = NOW()
			WHERE id = $1`, cp.ID, rec.ID)
		return err
	})
}

// RecordFailure counts a permanently bad record and moves the watermark past
// it so the run does not refetch it forever.
func (s *PostgresStore) RecordFailure(ctx context.Context, cp *domain.SyncCheckpoint, rec Record, cause string) error {
	logger.Printf("run %s: record %s failed permanently: %s", cp.ID, rec.ID, cause)
	_, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET failed_records = failed_records + 1,
		    last_processed_id = $2,
		    updated_at = NOW()
		WHERE id = $1`, cp.ID, rec.ID)
	return err
}

// SetCursor persists the partner cursor between pages.
func (s *PostgresStore) SetCursor(ctx context.Context, id string, cursor *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET cursor = $2, updated_at = NOW()
		WHERE id = $1`, id, cursor)
	return err
}

// Complete marks the run finished.
func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// Fail marks the run failed with its cause.
func (s *PostgresStore) Fail(ctx context.Context, id string, msg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1`, id, msg)
	return err
}

// Pause marks a running checkpoint paused.
func (s *PostgresStore) Pause(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE sync_checkpoints
		SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CleanupOld deletes completed and failed checkpoints beyond the keepLast
// most recent for one pair. Returns the number deleted.
func (s *PostgresStore) CleanupOld(ctx context.Context, integration, syncType string, keepLast int) (int, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	res, err := s.db.Exec(ctx, `
		DELETE FROM sync_checkpoints
		WHERE integration = $1 AND sync_type = $2
		  AND status IN ('completed', 'failed')
		  AND id NOT IN (
			SELECT id FROM sync_checkpoints
			WHERE integration = $1 AND sync_type = $2
			  AND status IN ('completed', 'failed')
			ORDER BY created_at DESC
			LIMIT $3
		  )`, integration, syncType, keepLast)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
