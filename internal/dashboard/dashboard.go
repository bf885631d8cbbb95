// Package dashboard serves the aggregate read models behind the dashboard
// endpoints: sign-up counts sliced by operator and state, validation funnel
// totals, and the latest sync run per integration. Pure reads, no writes.
package dashboard

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldops/backend/internal/database"
)

type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SignupSummary is the intake funnel over a window.
type SignupSummary struct {
	Total      int             `json:"total"`
	ByStatus   map[string]int  `json:"byStatus"`
	ByOperator []OperatorSlice `json:"byOperator"`
	ByState    map[string]int  `json:"byState"`
	CPATotal   float64         `json:"cpaTotal"`
}

// OperatorSlice is one operator's share of the funnel.
type OperatorSlice struct {
	OperatorID  int64   `json:"operatorId"`
	DisplayName string  `json:"displayName"`
	Count       int     `json:"count"`
	Validated   int     `json:"validated"`
	CPATotal    float64 `json:"cpaTotal"`
}

func (s *Store) SignupSummary(ctx context.Context, from, to time.Time) (*SignupSummary, error) {
	out := &SignupSummary{ByStatus: map[string]int{}, ByState: map[string]int{}}

	rows, err := s.db.Query(ctx, `
		SELECT validation_status, count(*), coalesce(sum(cpa_amount), 0)
		FROM sign_ups
		WHERE submitted_at >= $1 AND submitted_at <= $2
		GROUP BY validation_status`, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		var cpa float64
		if err := rows.Scan(&status, &count, &cpa); err != nil {
			rows.Close()
			return nil, database.Classify(err)
		}
		out.ByStatus[status] = count
		out.Total += count
		out.CPATotal += cpa
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT s.operator_id, o.display_name, count(*),
		       count(*) FILTER (WHERE s.validation_status = 'validated'),
		       coalesce(sum(s.cpa_amount) FILTER (WHERE s.validation_status = 'validated'), 0)
		FROM sign_ups s
		JOIN operators o ON o.id = s.operator_id
		WHERE s.submitted_at >= $1 AND s.submitted_at <= $2
		GROUP BY s.operator_id, o.display_name
		ORDER BY count(*) DESC`, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var slice OperatorSlice
		if err := rows.Scan(&slice.OperatorID, &slice.DisplayName, &slice.Count, &slice.Validated, &slice.CPATotal); err != nil {
			rows.Close()
			return nil, database.Classify(err)
		}
		out.ByOperator = append(out.ByOperator, slice)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT coalesce(customer_state, '??'), count(*)
		FROM sign_ups
		WHERE submitted_at >= $1 AND submitted_at <= $2
		GROUP BY customer_state`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, database.Classify(err)
		}
		out.ByState[state] = count
	}
	return out, rows.Err()
}

// SyncStatus is the latest run per (integration, syncType).
type SyncStatus struct {
	Integration      string     `json:"integration"`
	SyncType         string     `json:"syncType"`
	Status           string     `json:"status"`
	ProcessedRecords int        `json:"processedRecords"`
	FailedRecords    int        `json:"failedRecords"`
	TotalRecords     *int       `json:"totalRecords,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
}

func (s *Store) SyncStatuses(ctx context.Context) ([]*SyncStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (integration, sync_type)
		       integration, sync_type, status, processed_records, failed_records,
		       total_records, started_at, completed_at, error_message
		FROM sync_checkpoints
		ORDER BY integration, sync_type, started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncStatus
	for rows.Next() {
		st := &SyncStatus{}
		var total sql.NullInt64
		var completedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&st.Integration, &st.SyncType, &st.Status,
			&st.ProcessedRecords, &st.FailedRecords, &total, &st.StartedAt,
			&completedAt, &errMsg); err != nil {
			return nil, database.Classify(err)
		}
		if total.Valid {
			n := int(total.Int64)
			st.TotalRecords = &n
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		if errMsg.Valid {
			st.ErrorMessage = &errMsg.String
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// OpenAlertCounts returns active KPI alerts by severity for the header badge.
func (s *Store) OpenAlertCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT severity, count(*)
		FROM kpi_alerts
		WHERE status = 'active'
		GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, database.Classify(err)
		}
		out[severity] = count
	}
	return out, rows.Err()
}
