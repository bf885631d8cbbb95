package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/retry"
)

// memStore is an in-memory Store. Like the Postgres one, it mutates only its
// own persisted state; the runner mirrors progress into the struct it holds.
// CreateOrResume hands out a copy so the two never alias.
type memStore struct {
	state     *domain.SyncCheckpoint
	claimOK   bool
	claimedBy string
	applied   []string
	applyErr  func(recID string) error
}

func newMemStore() *memStore {
	return &memStore{claimOK: true}
}

func (m *memStore) CreateOrResume(ctx context.Context, integration, syncType string) (*domain.SyncCheckpoint, error) {
	if m.state == nil || !m.state.Resumable() {
		m.state = &domain.SyncCheckpoint{
			ID:          "cp-1",
			Integration: integration,
			SyncType:    syncType,
			Status:      domain.SyncInProgress,
			CreatedAt:   time.Now().UTC(),
		}
	}
	cp := *m.state
	return &cp, nil
}

func (m *memStore) Claim(ctx context.Context, id string) (bool, error) {
	if !m.claimOK {
		return false, nil
	}
	m.state.Status = domain.SyncInProgress
	return true, nil
}

func (m *memStore) SetTotal(ctx context.Context, id string, total int) error {
	m.state.TotalRecords = &total
	return nil
}

func (m *memStore) ApplyRecord(ctx context.Context, cp *domain.SyncCheckpoint, rec Record) error {
	if m.applyErr != nil {
		if err := m.applyErr(rec.ID); err != nil {
			return err
		}
	}
	if err := rec.Apply(ctx, nil); err != nil {
		return err
	}
	m.applied = append(m.applied, rec.ID)
	m.state.ProcessedRecords++
	id := rec.ID
	m.state.LastProcessedID = &id
	return nil
}

func (m *memStore) RecordFailure(ctx context.Context, cp *domain.SyncCheckpoint, rec Record, cause string) error {
	m.state.FailedRecords++
	id := rec.ID
	m.state.LastProcessedID = &id
	return nil
}

func (m *memStore) SetCursor(ctx context.Context, id string, cursor *string) error {
	m.state.Cursor = cursor
	return nil
}

func (m *memStore) Complete(ctx context.Context, id string) error {
	m.state.Status = domain.SyncCompleted
	return nil
}

func (m *memStore) Fail(ctx context.Context, id string, msg string) error {
	m.state.Status = domain.SyncFailed
	m.state.ErrorMessage = &msg
	return nil
}

func (m *memStore) Pause(ctx context.Context, id string) error {
	m.state.Status = domain.SyncPaused
	return nil
}

func (m *memStore) CleanupOld(ctx context.Context, integration, syncType string, keepLast int) (int, error) {
	return 0, nil
}

// numberedSource serves total records with ids rec-0001.., offset style.
type numberedSource struct {
	total int
}

func (s *numberedSource) Integration() string { return "testpartner" }
func (s *numberedSource) SyncType() string    { return "records" }

func (s *numberedSource) Total(ctx context.Context) (int, bool, error) {
	return s.total, true, nil
}

func (s *numberedSource) Page(ctx context.Context, cp *domain.SyncCheckpoint, limit int) ([]Record, *string, bool, error) {
	start := cp.ProcessedRecords + cp.FailedRecords
	var records []Record
	for i := start; i < s.total && len(records) < limit; i++ {
		id := fmt.Sprintf("rec-%04d", i+1)
		records = append(records, Record{
			ID:    id,
			Apply: func(ctx context.Context, q database.Querier) error { return nil },
		})
	}
	return records, nil, start+len(records) < s.total, nil
}

// cursorSource serves total records with ids txn-0001.., cursor style: each
// page carries the cursor of the next one, the last page carries none.
type cursorSource struct {
	total     int
	pageCalls int
}

func (s *cursorSource) Integration() string { return "cardpartner" }
func (s *cursorSource) SyncType() string    { return "transactions" }

func (s *cursorSource) Total(ctx context.Context) (int, bool, error) {
	return 0, false, nil
}

func (s *cursorSource) Page(ctx context.Context, cp *domain.SyncCheckpoint, limit int) ([]Record, *string, bool, error) {
	s.pageCalls++
	start := 0
	if cp.Cursor != nil {
		fmt.Sscanf(*cp.Cursor, "cur-%d", &start)
	}
	var records []Record
	for i := start; i < s.total && len(records) < limit; i++ {
		id := fmt.Sprintf("txn-%04d", i+1)
		records = append(records, Record{
			ID:    id,
			Apply: func(ctx context.Context, q database.Querier) error { return nil },
		})
	}
	if start+len(records) < s.total {
		next := fmt.Sprintf("cur-%d", start+len(records))
		return records, &next, true, nil
	}
	return records, nil, false, nil
}

// clusterStore emulates two nodes over one checkpoint table, with the claim
// rule the Postgres store enforces through claimed_by: a fresh in-progress
// checkpoint may only be taken by its creator.
type clusterStore struct {
	*memStore
	node string
}

func (c *clusterStore) CreateOrResume(ctx context.Context, integration, syncType string) (*domain.SyncCheckpoint, error) {
	fresh := c.state == nil || !c.state.Resumable()
	cp, err := c.memStore.CreateOrResume(ctx, integration, syncType)
	if err == nil && fresh {
		c.claimedBy = c.node
	}
	return cp, err
}

func (c *clusterStore) Claim(ctx context.Context, id string) (bool, error) {
	if c.state.Status == domain.SyncInProgress && c.state.ProcessedRecords == 0 && c.claimedBy != c.node {
		return false, nil
	}
	c.claimedBy = c.node
	c.state.Status = domain.SyncInProgress
	return true, nil
}

func fastRunner(store Store) *Runner {
	r := NewRunner(store, nil)
	r.retryCfg = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return r
}

func TestRunCompletesMultiPage(t *testing.T) {
	store := newMemStore()
	r := fastRunner(store)

	cp, err := r.Run(context.Background(), &numberedSource{total: 250})
	require.NoError(t, err)

	assert.Equal(t, domain.SyncCompleted, cp.Status)
	assert.Equal(t, 250, cp.ProcessedRecords)
	assert.Equal(t, 0, cp.FailedRecords)
	require.NotNil(t, cp.TotalRecords)
	assert.Equal(t, 250, *cp.TotalRecords)
	assert.Equal(t, "rec-0250", *cp.LastProcessedID)
	// Partner order preserved end to end.
	assert.Equal(t, "rec-0001", store.applied[0])
	assert.Equal(t, "rec-0126", store.applied[125])
}

func TestRunResumesAfterCrash(t *testing.T) {
	store := newMemStore()
	r := fastRunner(store)

	// First run dies on a retryable failure after 220 records.
	store.applyErr = func(recID string) error {
		if recID > "rec-0220" {
			return &retry.HTTPError{StatusCode: 503, Status: "Service Unavailable"}
		}
		return nil
	}
	_, err := r.Run(context.Background(), &numberedSource{total: 500})
	require.Error(t, err)
	assert.Equal(t, domain.SyncFailed, store.state.Status)
	assert.Equal(t, 220, store.state.ProcessedRecords)
	assert.Equal(t, "rec-0220", *store.state.LastProcessedID)

	// Restart resumes the same checkpoint and finishes the remaining 280.
	store.applyErr = nil
	cp, err := r.Run(context.Background(), &numberedSource{total: 500})
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.ID)
	assert.Equal(t, domain.SyncCompleted, cp.Status)
	assert.Equal(t, 500, cp.ProcessedRecords)
	assert.Equal(t, "rec-0500", *cp.LastProcessedID)
}

func TestRunCursorSourceFullFinalPage(t *testing.T) {
	store := newMemStore()
	r := fastRunner(store)
	r.pageSize = 4

	// Collection size is an exact multiple of the page size, so the final
	// page is full and carries no cursor. That alone must end the run.
	src := &cursorSource{total: 8}
	cp, err := r.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncCompleted, cp.Status)
	assert.Equal(t, 8, cp.ProcessedRecords)
	assert.Equal(t, 2, src.pageCalls)
	require.Len(t, store.applied, 8)
	seen := map[string]bool{}
	for _, id := range store.applied {
		assert.False(t, seen[id], "record %s applied twice", id)
		seen[id] = true
	}
}

func TestRunCountsPermanentFailuresAndContinues(t *testing.T) {
	store := newMemStore()
	r := fastRunner(store)

	store.applyErr = func(recID string) error {
		if recID == "rec-0003" || recID == "rec-0007" {
			return retry.Permanent(fmt.Errorf("validation: bad record %s", recID))
		}
		return nil
	}
	cp, err := r.Run(context.Background(), &numberedSource{total: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.SyncCompleted, cp.Status)
	assert.Equal(t, 8, cp.ProcessedRecords)
	assert.Equal(t, 2, cp.FailedRecords)
	require.NotNil(t, cp.TotalRecords)
	assert.LessOrEqual(t, cp.ProcessedRecords+cp.FailedRecords, *cp.TotalRecords)
}

func TestRunExitsCleanlyWhenClaimed(t *testing.T) {
	store := newMemStore()
	store.claimOK = false
	r := fastRunner(store)

	_, err := r.Run(context.Background(), &numberedSource{total: 10})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, store.applied)
}

func TestFreshCheckpointClaimedOnlyByCreator(t *testing.T) {
	shared := newMemStore()
	nodeA := &clusterStore{memStore: shared, node: "node-a"}
	nodeB := &clusterStore{memStore: shared, node: "node-b"}

	// node-a creates the fresh checkpoint.
	_, err := nodeA.CreateOrResume(context.Background(), "testpartner", "records")
	require.NoError(t, err)

	// node-b starting the same sync finds it and must exit cleanly.
	_, err = fastRunner(nodeB).Run(context.Background(), &numberedSource{total: 10})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, shared.applied)

	// The creator runs it to completion.
	cp, err := fastRunner(nodeA).Run(context.Background(), &numberedSource{total: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCompleted, cp.Status)
	assert.Equal(t, 10, cp.ProcessedRecords)
}

func TestPauseThenResume(t *testing.T) {
	store := newMemStore()
	r := fastRunner(store)

	_, err := store.CreateOrResume(context.Background(), "testpartner", "records")
	require.NoError(t, err)
	require.NoError(t, r.Pause(context.Background(), "cp-1"))
	assert.Equal(t, domain.SyncPaused, store.state.Status)

	cp, err := r.Run(context.Background(), &numberedSource{total: 5})
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.ID)
	assert.Equal(t, domain.SyncCompleted, cp.Status)
}
