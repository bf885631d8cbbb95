// Package signup implements the intake and enrichment pipeline: idempotent
// persist, duplicate detection, async bet-slip extraction, CPA rate
// resolution on validation, and the two-leg CRM fan-out.
package signup

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/monitoring"
	"github.com/fieldops/backend/internal/retry"
)

var logger = log.New(os.Stdout, "[SIGNUP] ", log.LstdFlags)

// confidenceAutoConfirm is the extractor confidence above which the wager
// fields are accepted without human review.
const confidenceAutoConfirm = 0.9

// Extractor is the external bet-slip reader. Input is the object-store key
// of the uploaded image.
type Extractor interface {
	Extract(ctx context.Context, imageKey string) (*domain.ExtractionResult, error)
}

// CRMPusher is the fan-out target, one method per leg.
type CRMPusher interface {
	PushIdentity(ctx context.Context, s *domain.SignUp) error
	PushEnrichment(ctx context.Context, s *domain.SignUp) error
}

// Store is the persistence surface the pipeline drives.
type Store interface {
	Insert(ctx context.Context, s *domain.SignUp) error
	ByID(ctx context.Context, id string) (*domain.SignUp, error)
	ByIdempotency(ctx context.Context, operatorID int64, key string) (*domain.SignUp, error)
	ActiveDuplicate(ctx context.Context, emailLower string, operatorID int64, excludeID string) (*domain.SignUp, error)
	SetValidation(ctx context.Context, id string, status domain.ValidationStatus, cpaAmount *float64) error
	SetExtraction(ctx context.Context, id string, status domain.ExtractionStatus, res *domain.ExtractionResult) error
	ReviewQueue(ctx context.Context) ([]*domain.SignUp, error)
	FindRate(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error)
	InsertSyncFailure(ctx context.Context, f *domain.SyncFailure) error
	OpenSyncFailures(ctx context.Context) ([]*domain.SyncFailure, error)
	SyncFailureByID(ctx context.Context, id string) (*domain.SyncFailure, error)
	ResolveSyncFailure(ctx context.Context, id string) error
}

// Submission is the intake payload shared by all three entry points.
type Submission struct {
	EventID        *string
	SoloChatID     *string
	AmbassadorID   string
	OperatorID     int64
	CustomerEmail  string
	CustomerName   string
	CustomerState  *string
	IdempotencyKey string
	ImageKey       *string
}

func (s Submission) validate() error {
	if s.IdempotencyKey == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if s.CustomerEmail == "" {
		return fmt.Errorf("customerEmail is required")
	}
	if s.OperatorID == 0 {
		return fmt.Errorf("operatorId is required")
	}
	if s.AmbassadorID == "" {
		return fmt.Errorf("ambassadorId is required")
	}
	return nil
}

// Pipeline owns the sign-up lifecycle.
type Pipeline struct {
	store     Store
	bus       *events.Bus
	extractor Extractor
	crm       CRMPusher
	retryCfg  retry.Config
	metrics   *monitoring.Metrics
}

// New wires the pipeline. extractor and crm may be nil; the corresponding
// stages then stay dormant (useful for importers and tests).
func New(store Store, bus *events.Bus, extractor Extractor, crm CRMPusher) *Pipeline {
	return &Pipeline{
		store:     store,
		bus:       bus,
		extractor: extractor,
		crm:       crm,
		retryCfg:  retry.DefaultConfig(),
	}
}

// SetMetrics attaches the shared Prometheus counters. Nil leaves the
// pipeline uninstrumented.
func (p *Pipeline) SetMetrics(m *monitoring.Metrics) {
	p.metrics = m
}

func (p *Pipeline) countStage(stage string) {
	if p.metrics != nil {
		p.metrics.SignupsTotal.WithLabelValues(stage).Inc()
	}
}

// SubmitEventSignup takes a sign-up captured at an event.
func (p *Pipeline) SubmitEventSignup(ctx context.Context, sub Submission) (*domain.SignUp, error) {
	if sub.EventID == nil || *sub.EventID == "" {
		return nil, fmt.Errorf("eventId is required")
	}
	sub.SoloChatID = nil
	return p.submit(ctx, sub, false)
}

// SubmitSoloSignup takes a sign-up from a solo touchpoint.
func (p *Pipeline) SubmitSoloSignup(ctx context.Context, sub Submission) (*domain.SignUp, error) {
	if sub.SoloChatID == nil || *sub.SoloChatID == "" {
		return nil, fmt.Errorf("soloChatId is required")
	}
	sub.EventID = nil
	return p.submit(ctx, sub, false)
}

// CreateDirect is the trusted internal entry point: same contract, but the
// sign-up auto-validates immediately after the duplicate check.
func (p *Pipeline) CreateDirect(ctx context.Context, sub Submission) (*domain.SignUp, error) {
	return p.submit(ctx, sub, true)
}

func (p *Pipeline) submit(ctx context.Context, sub Submission, autoValidate bool) (*domain.SignUp, error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}

	// Idempotency gate: a replayed key returns the existing row untouched.
	if existing, err := p.store.ByIdempotency(ctx, sub.OperatorID, sub.IdempotencyKey); err == nil {
		return existing, nil
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	s := &domain.SignUp{
		ID:             uuid.NewString(),
		EventID:        sub.EventID,
		SoloChatID:     sub.SoloChatID,
		AmbassadorID:   sub.AmbassadorID,
		OperatorID:     sub.OperatorID,
		CustomerEmail:  normalizeEmail(sub.CustomerEmail),
		CustomerName:   strings.TrimSpace(sub.CustomerName),
		CustomerState:  sub.CustomerState,
		SubmittedAt:    now,
		ValidationStat: domain.ValidationPending,
		ExtractionStat: domain.ExtractionNotRequired,
		IdempotencyKey: sub.IdempotencyKey,
		ImageKey:       sub.ImageKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.HasImage() {
		s.ExtractionStat = domain.ExtractionPending
		if p.extractor == nil {
			// No extractor configured: skip the pending stage and put the
			// slip straight in the manual review queue.
			s.ExtractionStat = domain.ExtractionNeedsReview
		}
	}

	if err := p.store.Insert(ctx, s); err != nil {
		if database.IsConflict(err) {
			// Lost the idempotency race; the winner's row is the answer.
			return p.store.ByIdempotency(ctx, sub.OperatorID, sub.IdempotencyKey)
		}
		return nil, err
	}
	p.countStage("submitted")
	p.publish(ctx, events.TypeSignUpSubmitted, s)

	// Duplicate check: same customer, same operator, still live.
	if dup, err := p.store.ActiveDuplicate(ctx, s.CustomerEmail, s.OperatorID, s.ID); err == nil && dup != nil {
		if err := p.store.SetValidation(ctx, s.ID, domain.ValidationDuplicate, nil); err != nil {
			return nil, err
		}
		s.ValidationStat = domain.ValidationDuplicate
		p.countStage("duplicate")
		return s, nil
	} else if err != nil && !database.IsNotFound(err) {
		return nil, err
	}

	if s.ExtractionStat == domain.ExtractionPending && p.extractor != nil {
		go p.runExtraction(s.ID, *s.ImageKey)
	}
	p.fanOut(ctx, s, domain.SyncPhaseInitial)

	if autoValidate {
		return p.Validate(ctx, s.ID, "")
	}
	return s, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// runExtraction calls the external extractor off the request path and feeds
// the outcome back through OnExtractionResult.
func (p *Pipeline) runExtraction(signupID, imageKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := p.extractor.Extract(ctx, imageKey)
	if err != nil {
		logger.Printf("extraction failed for %s: %v", signupID, err)
		if serr := p.store.SetExtraction(ctx, signupID, domain.ExtractionFailed, nil); serr != nil {
			logger.Printf("could not mark extraction failed for %s: %v", signupID, serr)
		}
		return
	}
	if err := p.OnExtractionResult(ctx, signupID, *res); err != nil {
		logger.Printf("extraction result handling failed for %s: %v", signupID, err)
	}
}

// OnExtractionResult applies the extractor verdict: high confidence with all
// three fields auto-confirms; anything else goes to the review queue.
func (p *Pipeline) OnExtractionResult(ctx context.Context, signupID string, res domain.ExtractionResult) error {
	status := domain.ExtractionNeedsReview
	if res.Confidence >= confidenceAutoConfirm && res.Complete() {
		status = domain.ExtractionConfirmed
	}
	if err := p.store.SetExtraction(ctx, signupID, status, &res); err != nil {
		return err
	}
	if status == domain.ExtractionConfirmed {
		if s, err := p.store.ByID(ctx, signupID); err == nil {
			p.publish(ctx, events.TypeSignUpExtractionConfirmed, s)
		}
	}
	return nil
}

// ConfirmExtraction applies reviewer corrections and confirms.
func (p *Pipeline) ConfirmExtraction(ctx context.Context, signupID string, corrections *domain.ExtractionResult) (*domain.SignUp, error) {
	s, err := p.store.ByID(ctx, signupID)
	if err != nil {
		return nil, err
	}
	if s.ExtractionStat != domain.ExtractionNeedsReview && s.ExtractionStat != domain.ExtractionPending {
		return nil, fmt.Errorf("sign-up %s is not awaiting review", signupID)
	}
	if err := p.store.SetExtraction(ctx, signupID, domain.ExtractionConfirmed, corrections); err != nil {
		return nil, err
	}
	s, err = p.store.ByID(ctx, signupID)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.TypeSignUpExtractionConfirmed, s)
	return s, nil
}

// SkipExtraction resolves a review item without wager fields.
func (p *Pipeline) SkipExtraction(ctx context.Context, signupID, reason string) (*domain.SignUp, error) {
	s, err := p.store.ByID(ctx, signupID)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetExtraction(ctx, signupID, domain.ExtractionSkipped, nil); err != nil {
		return nil, err
	}
	s.ExtractionStat = domain.ExtractionSkipped
	p.publishWith(ctx, events.TypeSignUpExtractionSkipped, s, map[string]any{"reason": reason})
	return s, nil
}

// Validate moves a pending sign-up to validated, resolves the CPA rate, and
// runs the enriched fan-out leg. actor is the reviewing user, empty for the
// auto-validation path.
func (p *Pipeline) Validate(ctx context.Context, signupID, actor string) (*domain.SignUp, error) {
	s, err := p.store.ByID(ctx, signupID)
	if err != nil {
		return nil, err
	}
	if s.ValidationStat != domain.ValidationPending {
		return nil, fmt.Errorf("sign-up %s is %s, not pending", signupID, s.ValidationStat)
	}

	var cpa *float64
	if s.CustomerState != nil {
		rate, err := p.store.FindRate(ctx, s.OperatorID, *s.CustomerState, s.SubmittedAt)
		switch {
		case err == nil:
			cpa = &rate.CPAAmount
		case database.IsNotFound(err):
			// cpaAmount stays null; surface the gap.
			p.publish(ctx, events.TypeSignUpRateMissing, s)
		default:
			return nil, err
		}
	} else {
		p.publish(ctx, events.TypeSignUpRateMissing, s)
	}

	if err := p.store.SetValidation(ctx, signupID, domain.ValidationValidated, cpa); err != nil {
		return nil, err
	}
	s.ValidationStat = domain.ValidationValidated
	s.CPAAmount = cpa

	p.countStage("validated")
	p.publishWith(ctx, events.TypeSignUpValidated, s, map[string]any{"actor": actor})
	p.fanOut(ctx, s, domain.SyncPhaseEnriched)
	return s, nil
}

// Reject marks a pending sign-up rejected.
func (p *Pipeline) Reject(ctx context.Context, signupID, actor string) (*domain.SignUp, error) {
	s, err := p.store.ByID(ctx, signupID)
	if err != nil {
		return nil, err
	}
	if s.ValidationStat != domain.ValidationPending {
		return nil, fmt.Errorf("sign-up %s is %s, not pending", signupID, s.ValidationStat)
	}
	if err := p.store.SetValidation(ctx, signupID, domain.ValidationRejected, nil); err != nil {
		return nil, err
	}
	s.ValidationStat = domain.ValidationRejected
	p.countStage("rejected")
	p.publishWith(ctx, events.TypeSignUpRejected, s, map[string]any{"actor": actor})
	return s, nil
}

// CheckDuplicate answers the pre-submit duplicate probe.
// Get fetches one sign-up.
func (p *Pipeline) Get(ctx context.Context, id string) (*domain.SignUp, error) {
	return p.store.ByID(ctx, id)
}

func (p *Pipeline) CheckDuplicate(ctx context.Context, email string, operatorID int64) (bool, error) {
	dup, err := p.store.ActiveDuplicate(ctx, normalizeEmail(email), operatorID, "")
	if err != nil {
		if database.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return dup != nil, nil
}

// ReviewQueue lists sign-ups waiting for extraction review.
func (p *Pipeline) ReviewQueue(ctx context.Context) ([]*domain.SignUp, error) {
	return p.store.ReviewQueue(ctx)
}

// SyncFailures lists unresolved fan-out failures.
func (p *Pipeline) SyncFailures(ctx context.Context) ([]*domain.SyncFailure, error) {
	return p.store.OpenSyncFailures(ctx)
}

// RetryFailedSync re-runs the failed leg recorded by failureID and resolves
// the row on success.
func (p *Pipeline) RetryFailedSync(ctx context.Context, failureID string) error {
	f, err := p.store.SyncFailureByID(ctx, failureID)
	if err != nil {
		return err
	}
	if f.ResolvedAt != nil {
		return nil
	}
	s, err := p.store.ByID(ctx, f.SignUpID)
	if err != nil {
		return err
	}
	if err := p.pushLeg(ctx, s, f.Phase); err != nil {
		return err
	}
	return p.store.ResolveSyncFailure(ctx, failureID)
}

// fanOut runs one CRM leg and records a SyncFailure when the retry budget is
// spent. Fan-out never fails the caller's request.
func (p *Pipeline) fanOut(ctx context.Context, s *domain.SignUp, phase domain.SyncPhase) {
	if p.crm == nil {
		return
	}
	if err := p.pushLeg(ctx, s, phase); err != nil {
		cat := retry.Classify(err).Category
		errType := string(cat)
		switch cat {
		case retry.CategoryRateLimit, retry.CategoryServerError, retry.CategoryNetwork:
		default:
			errType = "other"
		}
		f := &domain.SyncFailure{
			ID:            uuid.NewString(),
			SignUpID:      s.ID,
			Phase:         phase,
			ErrorType:     errType,
			ErrorMessage:  err.Error(),
			AttemptCount:  p.retryCfg.MaxAttempts,
			LastAttemptAt: time.Now().UTC(),
		}
		if serr := p.store.InsertSyncFailure(ctx, f); serr != nil {
			logger.Printf("could not record %s sync failure for %s: %v", phase, s.ID, serr)
		}
		if p.metrics != nil {
			p.metrics.SignupSyncFailures.WithLabelValues(string(phase), errType).Inc()
		}
		logger.Printf("%s fan-out failed for %s: %v", phase, s.ID, err)
	}
}

func (p *Pipeline) pushLeg(ctx context.Context, s *domain.SignUp, phase domain.SyncPhase) error {
	switch phase {
	case domain.SyncPhaseInitial:
		return p.crm.PushIdentity(ctx, s)
	case domain.SyncPhaseEnriched:
		return p.crm.PushEnrichment(ctx, s)
	default:
		return fmt.Errorf("unknown sync phase %q", phase)
	}
}

func (p *Pipeline) publish(ctx context.Context, eventType string, s *domain.SignUp) {
	p.publishWith(ctx, eventType, s, nil)
}

func (p *Pipeline) publishWith(ctx context.Context, eventType string, s *domain.SignUp, extra map[string]any) {
	if p.bus == nil {
		return
	}
	payload := map[string]any{
		"signupId":         s.ID,
		"ambassadorId":     s.AmbassadorID,
		"operatorId":       s.OperatorID,
		"validationStatus": string(s.ValidationStat),
		"extractionStatus": string(s.ExtractionStat),
	}
	if s.EventID != nil {
		payload["eventId"] = *s.EventID
	}
	for k, v := range extra {
		payload[k] = v
	}
	p.bus.Publish(ctx, eventType, payload, "")
}
