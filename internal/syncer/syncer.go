// Package syncer runs checkpointed batch pulls from the partner APIs. Every
// run is resumable: progress is committed per record, so a crash mid-run
// costs nothing but the record in flight.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/monitoring"
	"github.com/fieldops/backend/internal/retry"
)

var logger = log.New(os.Stdout, "[SYNC] ", log.LstdFlags)

// ErrAlreadyRunning means another node holds the checkpoint; the caller
// should exit cleanly and let the holder finish.
var ErrAlreadyRunning = errors.New("sync already running on another node")

// DefaultPageSize is how many records one page request asks for.
const DefaultPageSize = 100

// Record is one partner record plus the closure that persists it. Apply runs
// inside the same transaction that advances the checkpoint.
type Record struct {
	ID    string
	Apply func(ctx context.Context, q database.Querier) error
}

// Source is one partner collection the orchestrator can pull.
type Source interface {
	Integration() string
	SyncType() string

	// Total reports the collection size when the partner supports counting.
	Total(ctx context.Context) (total int, supported bool, err error)

	// Page fetches the next slice after the checkpoint's position. Offset
	// partners derive the position from the record counters; cursor partners
	// read cp.Cursor and return the next one. hasMore is the source's own
	// pagination verdict: a cursor partner has more exactly when it returned
	// a cursor, an offset partner when the slice is not the last one.
	Page(ctx context.Context, cp *domain.SyncCheckpoint, limit int) (records []Record, nextCursor *string, hasMore bool, err error)
}

// Store is the durable side of a sync run. The Postgres implementation keeps
// the per-record apply and the checkpoint advance in one transaction.
type Store interface {
	CreateOrResume(ctx context.Context, integration, syncType string) (*domain.SyncCheckpoint, error)
	Claim(ctx context.Context, id string) (bool, error)
	SetTotal(ctx context.Context, id string, total int) error
	ApplyRecord(ctx context.Context, cp *domain.SyncCheckpoint, rec Record) error
	RecordFailure(ctx context.Context, cp *domain.SyncCheckpoint, rec Record, cause string) error
	SetCursor(ctx context.Context, id string, cursor *string) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, msg string) error
	Pause(ctx context.Context, id string) error
	CleanupOld(ctx context.Context, integration, syncType string, keepLast int) (int, error)
}

// Runner executes sync runs against a Store.
type Runner struct {
	store    Store
	bus      *events.Bus
	retryCfg retry.Config
	pageSize int
	metrics  *monitoring.Metrics
}

// NewRunner wires the orchestrator. The bus may be nil in tests.
func NewRunner(store Store, bus *events.Bus) *Runner {
	return &Runner{
		store:    store,
		bus:      bus,
		retryCfg: retry.DefaultConfig(),
		pageSize: DefaultPageSize,
	}
}

// SetMetrics attaches the shared Prometheus counters.
func (r *Runner) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

func (r *Runner) countRecord(cp *domain.SyncCheckpoint, outcome string) {
	if r.metrics != nil {
		r.metrics.SyncRecordsTotal.WithLabelValues(cp.Integration, cp.SyncType, outcome).Inc()
	}
}

// Run executes one full sync for src, creating or resuming the checkpoint
// for (integration, syncType). Records are applied strictly in partner order;
// there is no parallelism across pages.
func (r *Runner) Run(ctx context.Context, src Source) (*domain.SyncCheckpoint, error) {
	cp, err := r.store.CreateOrResume(ctx, src.Integration(), src.SyncType())
	if err != nil {
		return nil, err
	}

	claimed, err := r.store.Claim(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return cp, ErrAlreadyRunning
	}
	logger.Printf("run %s %s/%s resuming at processed=%d",
		cp.ID, cp.Integration, cp.SyncType, cp.ProcessedRecords)

	if cp.TotalRecords == nil {
		if total, supported, err := src.Total(ctx); err == nil && supported {
			if err := r.store.SetTotal(ctx, cp.ID, total); err != nil {
				return cp, r.fail(ctx, cp, err)
			}
			cp.TotalRecords = &total
		}
	}

	for {
		records, nextCursor, hasMore, err := src.Page(ctx, cp, r.pageSize)
		if err != nil {
			return cp, r.fail(ctx, cp, err)
		}

		for i := range records {
			rec := records[i]
			res := retry.WithRetry(ctx, r.retryCfg, func(ctx context.Context) error {
				return r.store.ApplyRecord(ctx, cp, rec)
			})
			if res.Success {
				cp.ProcessedRecords++
				cp.LastProcessedID = &rec.ID
				r.countRecord(cp, "applied")
				continue
			}
			if c := retry.Classify(res.Err); !c.Retryable {
				// Bad record; count it and keep the run moving.
				if err := r.store.RecordFailure(ctx, cp, rec, res.Err.Error()); err != nil {
					return cp, r.fail(ctx, cp, err)
				}
				cp.FailedRecords++
				cp.LastProcessedID = &rec.ID
				r.countRecord(cp, "failed")
				continue
			}
			// Retry budget exhausted on a retryable error: the partner or the
			// database is down, stop here and resume later.
			return cp, r.fail(ctx, cp, res.Err)
		}

		if err := r.store.SetCursor(ctx, cp.ID, nextCursor); err != nil {
			return cp, r.fail(ctx, cp, err)
		}
		cp.Cursor = nextCursor

		if !hasMore {
			break
		}
	}

	if err := r.store.Complete(ctx, cp.ID); err != nil {
		return cp, r.fail(ctx, cp, err)
	}
	cp.Status = domain.SyncCompleted
	if r.metrics != nil {
		r.metrics.SyncRunsTotal.WithLabelValues(cp.Integration, string(domain.SyncCompleted)).Inc()
	}
	logger.Printf("run %s completed processed=%d failed=%d",
		cp.ID, cp.ProcessedRecords, cp.FailedRecords)

	if r.bus != nil {
		r.bus.Publish(ctx, events.TypeExternalSyncCompleted, map[string]any{
			"integration":      cp.Integration,
			"syncType":         cp.SyncType,
			"processedRecords": cp.ProcessedRecords,
			"failedRecords":    cp.FailedRecords,
		}, "")
	}
	return cp, nil
}

func (r *Runner) fail(ctx context.Context, cp *domain.SyncCheckpoint, cause error) error {
	msg := cause.Error()
	if err := r.store.Fail(ctx, cp.ID, msg); err != nil {
		logger.Printf("run %s: could not persist failure: %v", cp.ID, err)
	}
	cp.Status = domain.SyncFailed
	cp.ErrorMessage = &msg
	if r.metrics != nil {
		r.metrics.SyncRunsTotal.WithLabelValues(cp.Integration, string(domain.SyncFailed)).Inc()
	}
	return fmt.Errorf("sync %s/%s: %w", cp.Integration, cp.SyncType, cause)
}

// Pause marks a running checkpoint paused; the next Run for the same
// (integration, syncType) resumes it.
func (r *Runner) Pause(ctx context.Context, checkpointID string) error {
	return r.store.Pause(ctx, checkpointID)
}

// CleanupOldCheckpoints deletes completed and failed checkpoints beyond the
// keepLast most recent for one (integration, syncType).
func (r *Runner) CleanupOldCheckpoints(ctx context.Context, integration, syncType string, keepLast int) (int, error) {
	return r.store.CleanupOld(ctx, integration, syncType, keepLast)
}
