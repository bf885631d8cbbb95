package kpi

import (
	"context"
	"time"

	"github.com/fieldops/backend/internal/database"
)

// Well-known KPI names the sampler produces. Thresholds referencing other
// names simply never match a sample.
const (
	KPISignupsDaily     = "signups_daily"
	KPIValidationRate   = "validation_rate"
	KPIOpenSyncFailures = "open_sync_failures"
	KPIDuplicateRate    = "duplicate_rate"
)

// Sampler computes the built-in KPI samples from live data. Current covers
// the trailing window ending now, Previous the window before it.
type Sampler struct {
	db *database.DB
}

func NewSampler(db *database.DB) *Sampler {
	return &Sampler{db: db}
}

// Collect returns the samples for one evaluation pass.
func (s *Sampler) Collect(ctx context.Context) (map[string]Sample, error) {
	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)

	samples := make(map[string]Sample)

	var cur, prev float64
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE submitted_at >= $1),
			count(*) FILTER (WHERE submitted_at >= $2 AND submitted_at < $1)
		FROM sign_ups`, dayAgo, twoDaysAgo).Scan(&cur, &prev)
	if err != nil {
		return nil, database.Classify(err)
	}
	samples[KPISignupsDaily] = Sample{Current: cur, Previous: &prev}

	var validated, rejected, duplicates, total float64
	err = s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE validation_status = 'validated'),
			count(*) FILTER (WHERE validation_status = 'rejected'),
			count(*) FILTER (WHERE validation_status = 'duplicate'),
			count(*)
		FROM sign_ups
		WHERE submitted_at >= $1`, now.AddDate(0, 0, -7)).Scan(&validated, &rejected, &duplicates, &total)
	if err != nil {
		return nil, database.Classify(err)
	}
	if total > 0 {
		samples[KPIValidationRate] = Sample{Current: validated / total * 100}
		samples[KPIDuplicateRate] = Sample{Current: duplicates / total * 100}
	}

	var open float64
	err = s.db.QueryRow(ctx, `
		SELECT count(*) FROM sign_up_sync_failures WHERE resolved_at IS NULL`).Scan(&open)
	if err != nil {
		return nil, database.Classify(err)
	}
	samples[KPIOpenSyncFailures] = Sample{Current: open}

	return samples, nil
}
