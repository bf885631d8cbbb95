// Package roster owns scheduled events and their ambassador assignments:
// CRUD, the status state machine with history, and the duplicate operations
// used to stamp out recurring activations.
package roster

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// PostgresStore persists events, assignments and status history.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventCols = `id, title, venue, event_date, start_time, end_time, timezone,
	city, state, status, event_type, notes, import_batch_id, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	ev := &domain.Event{}
	var startTime, endTime, batchID sql.NullString
	err := row.Scan(&ev.ID, &ev.Title, &ev.Venue, &ev.EventDate, &startTime, &endTime,
		&ev.Timezone, &ev.City, &ev.State, &ev.Status, &ev.EventType, &ev.Notes,
		&batchID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if startTime.Valid {
		ev.StartTime = &startTime.String
	}
	if endTime.Valid {
		ev.EndTime = &endTime.String
	}
	if batchID.Valid {
		ev.ImportBatchID = &batchID.String
	}
	return ev, nil
}

func (s *PostgresStore) Insert(ctx context.Context, ev *domain.Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (`+eventCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.Title, ev.Venue, ev.EventDate, ev.StartTime, ev.EndTime, ev.Timezone,
		ev.City, ev.State, ev.Status, ev.EventType, ev.Notes, ev.ImportBatchID,
		ev.CreatedAt, ev.UpdatedAt)
	return err
}

func (s *PostgresStore) ByID(ctx context.Context, id string) (*domain.Event, error) {
	return scanEvent(s.db.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1`, id))
}

// ListFilter narrows List; zero values mean "no constraint".
type ListFilter struct {
	FromDate *time.Time
	ToDate   *time.Time
	Status   domain.EventStatus
	State    string
	Offset   int
	Limit    int
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*domain.Event, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		where += clause + "$" + strconv.Itoa(n)
	}
	if f.FromDate != nil {
		add(` AND event_date >= `, *f.FromDate)
	}
	if f.ToDate != nil {
		add(` AND event_date <= `, *f.ToDate)
	}
	if f.Status != "" {
		add(` AND status = `, f.Status)
	}
	if f.State != "" {
		add(` AND state = `, f.State)
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, database.Classify(err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.Query(ctx, `
		SELECT `+eventCols+` FROM events`+where+`
		ORDER BY event_date DESC, created_at DESC
		LIMIT $`+strconv.Itoa(n+1)+` OFFSET $`+strconv.Itoa(n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}


// Update persists field edits plus, when the status changed, the history row
// in the same transaction.
func (s *PostgresStore) Update(ctx context.Context, ev *domain.Event, change *domain.EventStatusChange) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE events
			SET title = $2, venue = $3, event_date = $4, start_time = $5, end_time = $6,
			    timezone = $7, city = $8, state = $9, status = $10, event_type = $11,
			    notes = $12, updated_at = $13
			WHERE id = $1`,
			ev.ID, ev.Title, ev.Venue, ev.EventDate, ev.StartTime, ev.EndTime,
			ev.Timezone, ev.City, ev.State, ev.Status, ev.EventType, ev.Notes, ev.UpdatedAt)
		if err != nil {
			return database.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return database.ErrNotFound
		}
		if change != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO event_status_history (id, event_id, from_status, to_status, actor, reason, changed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				change.ID, change.EventID, change.From, change.To, change.Actor, change.Reason, change.At)
			if err != nil {
				return database.Classify(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE event_id = $1`, id); err != nil {
			return database.Classify(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_status_history WHERE event_id = $1`, id); err != nil {
			return database.Classify(err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
		if err != nil {
			return database.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) StatusHistory(ctx context.Context, eventID string) ([]*domain.EventStatusChange, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, from_status, to_status, actor, reason, changed_at
		FROM event_status_history
		WHERE event_id = $1
		ORDER BY changed_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EventStatusChange
	for rows.Next() {
		c := &domain.EventStatusChange{}
		if err := rows.Scan(&c.ID, &c.EventID, &c.From, &c.To, &c.Actor, &c.Reason, &c.At); err != nil {
			return nil, database.Classify(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Assignments(ctx context.Context, eventID string) ([]*domain.Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, ambassador_id, status, created_at
		FROM assignments
		WHERE event_id = $1
		ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Assignment
	for rows.Next() {
		a := &domain.Assignment{}
		if err := rows.Scan(&a.ID, &a.EventID, &a.AmbassadorID, &a.Status, &a.CreatedAt); err != nil {
			return nil, database.Classify(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertWithAssignments creates the event and copies of the given assignments
// atomically; used by the duplicate operations.
func (s *PostgresStore) InsertWithAssignments(ctx context.Context, ev *domain.Event, assignments []*domain.Assignment) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (`+eventCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			ev.ID, ev.Title, ev.Venue, ev.EventDate, ev.StartTime, ev.EndTime, ev.Timezone,
			ev.City, ev.State, ev.Status, ev.EventType, ev.Notes, ev.ImportBatchID,
			ev.CreatedAt, ev.UpdatedAt)
		if err != nil {
			return database.Classify(err)
		}
		for _, a := range assignments {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO assignments (id, event_id, ambassador_id, status, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				a.ID, a.EventID, a.AmbassadorID, a.Status, a.CreatedAt)
			if err != nil {
				return database.Classify(err)
			}
		}
		return nil
	})
}

// ConflictOn reports an existing event at (date, venue), used by the
// duplicate preview.
func (s *PostgresStore) ConflictOn(ctx context.Context, date time.Time, venue string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE event_date::date = $1::date AND lower(venue) = lower($2)
		)`, date, venue).Scan(&exists)
	if err != nil {
		return false, database.Classify(err)
	}
	return exists, nil
}
