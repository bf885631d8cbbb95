package signup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/retry"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	signups  map[string]*domain.SignUp
	rates    []domain.CpaRate
	failures map[string]*domain.SyncFailure
}

func newMemStore() *memStore {
	return &memStore{
		signups:  map[string]*domain.SignUp{},
		failures: map[string]*domain.SyncFailure{},
	}
}

func (m *memStore) Insert(ctx context.Context, s *domain.SignUp) error {
	for _, existing := range m.signups {
		if existing.OperatorID == s.OperatorID && existing.IdempotencyKey == s.IdempotencyKey {
			return database.ErrConflict
		}
	}
	cp := *s
	m.signups[s.ID] = &cp
	return nil
}

func (m *memStore) ByID(ctx context.Context, id string) (*domain.SignUp, error) {
	s, ok := m.signups[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ByIdempotency(ctx context.Context, operatorID int64, key string) (*domain.SignUp, error) {
	for _, s := range m.signups {
		if s.OperatorID == operatorID && s.IdempotencyKey == key {
			cp := *s
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ActiveDuplicate(ctx context.Context, emailLower string, operatorID int64, excludeID string) (*domain.SignUp, error) {
	for _, s := range m.signups {
		if s.ID == excludeID {
			continue
		}
		if s.CustomerEmail != emailLower || s.OperatorID != operatorID {
			continue
		}
		if s.ValidationStat == domain.ValidationPending || s.ValidationStat == domain.ValidationValidated {
			cp := *s
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) SetValidation(ctx context.Context, id string, status domain.ValidationStatus, cpaAmount *float64) error {
	s, ok := m.signups[id]
	if !ok {
		return database.ErrNotFound
	}
	s.ValidationStat = status
	s.CPAAmount = cpaAmount
	return nil
}

func (m *memStore) SetExtraction(ctx context.Context, id string, status domain.ExtractionStatus, res *domain.ExtractionResult) error {
	s, ok := m.signups[id]
	if !ok {
		return database.ErrNotFound
	}
	s.ExtractionStat = status
	if res != nil {
		s.BetAmount = res.BetAmount
		s.TeamBetOn = res.TeamBetOn
		s.Odds = res.Odds
		s.ExtractionConfidence = &res.Confidence
	}
	return nil
}

func (m *memStore) ReviewQueue(ctx context.Context) ([]*domain.SignUp, error) {
	var out []*domain.SignUp
	for _, s := range m.signups {
		if s.ExtractionStat == domain.ExtractionNeedsReview {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FindRate(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error) {
	var best *domain.CpaRate
	for i := range m.rates {
		r := m.rates[i]
		if r.OperatorID != operatorID || r.StateCode != state || !r.IsActive {
			continue
		}
		if r.EffectiveDate.After(at) {
			continue
		}
		if r.EndDate != nil && r.EndDate.Before(at) {
			continue
		}
		if best == nil || r.EffectiveDate.After(best.EffectiveDate) {
			best = &m.rates[i]
		}
	}
	if best == nil {
		return nil, database.ErrNotFound
	}
	return best, nil
}

func (m *memStore) InsertSyncFailure(ctx context.Context, f *domain.SyncFailure) error {
	cp := *f
	m.failures[f.ID] = &cp
	return nil
}

func (m *memStore) OpenSyncFailures(ctx context.Context) ([]*domain.SyncFailure, error) {
	var out []*domain.SyncFailure
	for _, f := range m.failures {
		if f.ResolvedAt == nil {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SyncFailureByID(ctx context.Context, id string) (*domain.SyncFailure, error) {
	f, ok := m.failures[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) ResolveSyncFailure(ctx context.Context, id string) error {
	f, ok := m.failures[id]
	if !ok {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	f.ResolvedAt = &now
	return nil
}

// fakeCRM records pushes and can be told to fail.
type fakeCRM struct {
	identityPushes   int
	enrichmentPushes int
	fail             error
}

func (c *fakeCRM) PushIdentity(ctx context.Context, s *domain.SignUp) error {
	if c.fail != nil {
		return c.fail
	}
	c.identityPushes++
	return nil
}

func (c *fakeCRM) PushEnrichment(ctx context.Context, s *domain.SignUp) error {
	if c.fail != nil {
		return c.fail
	}
	c.enrichmentPushes++
	return nil
}

// captureSink counts events by type.
type captureSink struct {
	byType map[string]int
}

func (s *captureSink) Deliver(e *events.DomainEvent) {
	if s.byType == nil {
		s.byType = map[string]int{}
	}
	s.byType[e.Type]++
}

func newTestPipeline() (*Pipeline, *memStore, *fakeCRM, *captureSink) {
	store := newMemStore()
	crm := &fakeCRM{}
	sink := &captureSink{}
	bus := events.NewBus(nil)
	bus.AddSink(sink)
	return New(store, bus, nil, crm), store, crm, sink
}

func submission(key string) Submission {
	eventID := "ev-1"
	return Submission{
		EventID:        &eventID,
		AmbassadorID:   "amb-1",
		OperatorID:     7,
		CustomerEmail:  "A@B.com",
		CustomerName:   "Alex Doe",
		IdempotencyKey: key,
	}
}

func TestSubmitIdempotency(t *testing.T) {
	p, store, _, sink := newTestPipeline()
	ctx := context.Background()

	first, err := p.SubmitEventSignup(ctx, submission("abc"))
	require.NoError(t, err)
	second, err := p.SubmitEventSignup(ctx, submission("abc"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.signups, 1)
	assert.Equal(t, 1, sink.byType[events.TypeSignUpSubmitted])
	assert.Equal(t, "a@b.com", first.CustomerEmail)
}

func TestSubmitMarksDuplicate(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	ctx := context.Background()

	_, err := p.SubmitEventSignup(ctx, submission("k1"))
	require.NoError(t, err)

	dup, err := p.SubmitEventSignup(ctx, submission("k2")) // same email, same operator
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationDuplicate, dup.ValidationStat)

	hit, err := p.CheckDuplicate(ctx, "a@b.com", 7)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestExtractionAutoConfirm(t *testing.T) {
	p, store, _, _ := newTestPipeline()
	ctx := context.Background()

	sub := submission("k1")
	img := "slips/abc.jpg"
	sub.ImageKey = &img
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionNeedsReview, s.ExtractionStat)

	bet, team, odds := 50.0, "Home", "+110"
	err = p.OnExtractionResult(ctx, s.ID, domain.ExtractionResult{
		BetAmount: &bet, TeamBetOn: &team, Odds: &odds, Confidence: 0.95,
	})
	require.NoError(t, err)

	stored := store.signups[s.ID]
	assert.Equal(t, domain.ExtractionConfirmed, stored.ExtractionStat)
	assert.Equal(t, 50.0, *stored.BetAmount)
	assert.Equal(t, "Home", *stored.TeamBetOn)
	assert.Equal(t, "+110", *stored.Odds)
}

func TestImageSignupWithoutExtractorQueuedForReview(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	ctx := context.Background()

	sub := submission("k1")
	img := "slips/abc.jpg"
	sub.ImageKey = &img
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)

	// Nothing would ever move a pending slip without an extractor; it must
	// land in the review queue directly.
	assert.Equal(t, domain.ExtractionNeedsReview, s.ExtractionStat)
	queue, err := p.ReviewQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, s.ID, queue[0].ID)
}

func TestExtractionLowConfidenceNeedsReview(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	ctx := context.Background()

	sub := submission("k1")
	img := "slips/abc.jpg"
	sub.ImageKey = &img
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)

	bet, team, odds := 50.0, "Home", "+110"
	err = p.OnExtractionResult(ctx, s.ID, domain.ExtractionResult{
		BetAmount: &bet, TeamBetOn: &team, Odds: &odds, Confidence: 0.6,
	})
	require.NoError(t, err)

	queue, err := p.ReviewQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, s.ID, queue[0].ID)

	confirmed, err := p.ConfirmExtraction(ctx, s.ID, &domain.ExtractionResult{
		BetAmount: &bet, TeamBetOn: &team, Odds: &odds, Confidence: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionConfirmed, confirmed.ExtractionStat)
}

func TestValidateResolvesRate(t *testing.T) {
	p, store, crm, sink := newTestPipeline()
	ctx := context.Background()

	store.rates = []domain.CpaRate{{
		ID:            "rate-1",
		OperatorID:    7,
		StateCode:     "NJ",
		CPAAmount:     125.00,
		EffectiveDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
	}}

	sub := submission("k1")
	state := "NJ"
	sub.CustomerState = &state
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)
	// Pin the submission date inside the rate window.
	store.signups[s.ID].SubmittedAt = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	validated, err := p.Validate(ctx, s.ID, "reviewer-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ValidationValidated, validated.ValidationStat)
	require.NotNil(t, validated.CPAAmount)
	assert.Equal(t, 125.00, *validated.CPAAmount)
	assert.Equal(t, 1, sink.byType[events.TypeSignUpValidated])
	assert.Zero(t, sink.byType[events.TypeSignUpRateMissing])
	assert.Equal(t, 1, crm.enrichmentPushes)
}

func TestValidateMissingRatePublishesWarning(t *testing.T) {
	p, _, _, sink := newTestPipeline()
	ctx := context.Background()

	sub := submission("k1")
	state := "TX" // no rate configured
	sub.CustomerState = &state
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)

	validated, err := p.Validate(ctx, s.ID, "")
	require.NoError(t, err)

	assert.Nil(t, validated.CPAAmount)
	assert.Equal(t, 1, sink.byType[events.TypeSignUpRateMissing])
	assert.Equal(t, 1, sink.byType[events.TypeSignUpValidated])
}

func TestValidateRejectsNonPending(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	ctx := context.Background()

	s, err := p.SubmitEventSignup(ctx, submission("k1"))
	require.NoError(t, err)
	_, err = p.Reject(ctx, s.ID, "reviewer-1")
	require.NoError(t, err)

	_, err = p.Validate(ctx, s.ID, "reviewer-1")
	assert.Error(t, err)
}

func TestFanOutFailureRecordedAndRetried(t *testing.T) {
	p, store, crm, _ := newTestPipeline()
	ctx := context.Background()

	crm.fail = fmt.Errorf("wrapped: %w", &retry.HTTPError{StatusCode: 503, Status: "Service Unavailable"})
	_, err := p.SubmitEventSignup(ctx, submission("k1"))
	require.NoError(t, err, "fan-out failure must not fail the submit")

	failures, err := p.SyncFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.SyncPhaseInitial, failures[0].Phase)
	assert.Equal(t, "server_error", failures[0].ErrorType)

	crm.fail = nil
	require.NoError(t, p.RetryFailedSync(ctx, failures[0].ID))
	assert.Equal(t, 1, crm.identityPushes)

	open, err := p.SyncFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	require.NotNil(t, store.failures[failures[0].ID].ResolvedAt)
}

func TestCreateDirectAutoValidates(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	ctx := context.Background()

	s, err := p.CreateDirect(ctx, submission("k1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationValidated, s.ValidationStat)
}

func TestSkipExtraction(t *testing.T) {
	p, _, _, sink := newTestPipeline()
	ctx := context.Background()

	sub := submission("k1")
	img := "slips/x.jpg"
	sub.ImageKey = &img
	s, err := p.SubmitEventSignup(ctx, sub)
	require.NoError(t, err)

	skipped, err := p.SkipExtraction(ctx, s.ID, "unreadable")
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionSkipped, skipped.ExtractionStat)
	assert.Equal(t, 1, sink.byType[events.TypeSignUpExtractionSkipped])
}
