// Package kpi implements the threshold and alert engine: versioned breach
// rules, cooldown-gated evaluation, the alert lifecycle, and the bounded
// notification dispatcher.
package kpi

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/monitoring"
)

var logger = log.New(os.Stdout, "[KPI] ", log.LstdFlags)

// Sample is one observed KPI value. Previous feeds the pct_change
// comparators and may be nil when no prior window exists.
type Sample struct {
	Current  float64
	Previous *float64
}

// Store is the persistence surface the engine drives. Write methods that
// touch a head row and a version row do so atomically.
type Store interface {
	InsertThreshold(ctx context.Context, t *domain.KPIThreshold, v *domain.KPIThresholdVersion) error
	ReplaceCurrentVersion(ctx context.Context, head *domain.KPIThreshold, next *domain.KPIThresholdVersion) error
	GetThreshold(ctx context.Context, id string) (*domain.KPIThreshold, error)
	ListThresholds(ctx context.Context, enabledOnly bool) ([]*domain.KPIThreshold, error)
	VersionAt(ctx context.Context, thresholdID string, at time.Time) (*domain.KPIThresholdVersion, error)
	VersionByNumber(ctx context.Context, thresholdID string, version int) (*domain.KPIThresholdVersion, error)
	SetLastAlertAt(ctx context.Context, thresholdID string, at time.Time) error

	InsertAlert(ctx context.Context, a *domain.KPIAlert) error
	GetAlert(ctx context.Context, id string) (*domain.KPIAlert, error)
	ListAlerts(ctx context.Context, status *domain.AlertStatus) ([]*domain.KPIAlert, error)
	SetAlertStatus(ctx context.Context, a *domain.KPIAlert) error
	ReactivateSnoozed(ctx context.Context, now time.Time) (int, error)
	AppendNotification(ctx context.Context, alertID string, rec domain.NotificationRecord) error
}

// Notifier receives freshly created alerts for channel fan-out.
type Notifier interface {
	Enqueue(alert *domain.KPIAlert, channels, recipients []string) bool
}

// Engine owns thresholds and alerts.
type Engine struct {
	store    Store
	bus      *events.Bus
	notifier Notifier
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewEngine wires the engine. bus and notifier may be nil in tests.
func NewEngine(store Store, bus *events.Bus, notifier Notifier) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ==== THRESHOLD CRUD ====

// ThresholdInput is the create/update payload.
type ThresholdInput struct {
	KPIName           string
	Category          string
	Condition         domain.ThresholdCondition
	ThresholdValue    float64
	WarningThreshold  *float64
	CriticalThreshold *float64
	Aggregation       domain.Aggregation
	AggregationPeriod string
	Severity          domain.Severity
	Enabled           bool
	CooldownMinutes   int
	Channels          []string
	Recipients        []string
}

func (in ThresholdInput) validate() error {
	if in.KPIName == "" {
		return fmt.Errorf("kpiName is required")
	}
	switch in.Condition {
	case domain.CondGT, domain.CondLT, domain.CondGTE, domain.CondLTE,
		domain.CondEQ, domain.CondNEQ, domain.CondPctChangeAbove, domain.CondPctChangeBelow:
	default:
		return fmt.Errorf("unknown condition %q", in.Condition)
	}
	if in.CooldownMinutes < 0 {
		return fmt.Errorf("cooldownMinutes must not be negative")
	}
	return nil
}

// CreateThreshold inserts a threshold at version 1.
func (e *Engine) CreateThreshold(ctx context.Context, in ThresholdInput, actor string) (*domain.KPIThreshold, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := e.now()
	t := &domain.KPIThreshold{
		ID:                uuid.NewString(),
		KPIName:           in.KPIName,
		Category:          in.Category,
		Condition:         in.Condition,
		ThresholdValue:    in.ThresholdValue,
		WarningThreshold:  in.WarningThreshold,
		CriticalThreshold: in.CriticalThreshold,
		Aggregation:       in.Aggregation,
		AggregationPeriod: in.AggregationPeriod,
		Severity:          in.Severity,
		Enabled:           in.Enabled,
		CooldownMinutes:   in.CooldownMinutes,
		Channels:          in.Channels,
		Recipients:        in.Recipients,
		CurrentVersion:    1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	v := &domain.KPIThresholdVersion{
		ID:            uuid.NewString(),
		ThresholdID:   t.ID,
		Version:       1,
		Snapshot:      *t,
		IsCurrent:     true,
		EffectiveFrom: now,
		ChangedBy:     actor,
	}
	if err := e.store.InsertThreshold(ctx, t, v); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateThreshold writes version N+1 and retires the current version, both in
// one transaction.
func (e *Engine) UpdateThreshold(ctx context.Context, id string, in ThresholdInput, actor, reason string) (*domain.KPIThreshold, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	head, err := e.store.GetThreshold(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	head.KPIName = in.KPIName
	head.Category = in.Category
	head.Condition = in.Condition
	head.ThresholdValue = in.ThresholdValue
	head.WarningThreshold = in.WarningThreshold
	head.CriticalThreshold = in.CriticalThreshold
	head.Aggregation = in.Aggregation
	head.AggregationPeriod = in.AggregationPeriod
	head.Severity = in.Severity
	head.Enabled = in.Enabled
	head.CooldownMinutes = in.CooldownMinutes
	head.Channels = in.Channels
	head.Recipients = in.Recipients
	head.CurrentVersion++
	head.UpdatedAt = now

	next := &domain.KPIThresholdVersion{
		ID:            uuid.NewString(),
		ThresholdID:   id,
		Version:       head.CurrentVersion,
		Snapshot:      *head,
		IsCurrent:     true,
		EffectiveFrom: now,
		ChangedBy:     actor,
		ChangeReason:  reason,
	}
	if err := e.store.ReplaceCurrentVersion(ctx, head, next); err != nil {
		return nil, err
	}
	return head, nil
}

// GetThreshold returns the head row.
func (e *Engine) GetThreshold(ctx context.Context, id string) (*domain.KPIThreshold, error) {
	return e.store.GetThreshold(ctx, id)
}

// GetThresholdAtTime returns the threshold as it stood at t.
func (e *Engine) GetThresholdAtTime(ctx context.Context, id string, at time.Time) (*domain.KPIThreshold, error) {
	v, err := e.store.VersionAt(ctx, id, at)
	if err != nil {
		return nil, err
	}
	snapshot := v.Snapshot
	return &snapshot, nil
}

// RollbackThreshold creates a new current version copied from targetVersion.
// History is never mutated; the rollback is itself a new version.
func (e *Engine) RollbackThreshold(ctx context.Context, id string, targetVersion int, actor, reason string) (*domain.KPIThreshold, error) {
	target, err := e.store.VersionByNumber(ctx, id, targetVersion)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fmt.Sprintf("rollback to version %d", targetVersion)
	}
	s := target.Snapshot
	return e.UpdateThreshold(ctx, id, ThresholdInput{
		KPIName:           s.KPIName,
		Category:          s.Category,
		Condition:         s.Condition,
		ThresholdValue:    s.ThresholdValue,
		WarningThreshold:  s.WarningThreshold,
		CriticalThreshold: s.CriticalThreshold,
		Aggregation:       s.Aggregation,
		AggregationPeriod: s.AggregationPeriod,
		Severity:          s.Severity,
		Enabled:           s.Enabled,
		CooldownMinutes:   s.CooldownMinutes,
		Channels:          s.Channels,
		Recipients:        s.Recipients,
	}, actor, reason)
}

// ListThresholds returns all head rows.
func (e *Engine) ListThresholds(ctx context.Context) ([]*domain.KPIThreshold, error) {
	return e.store.ListThresholds(ctx, false)
}

// ==== EVALUATION ====

// CheckThresholds evaluates every enabled threshold against the given
// samples, keyed by kpiName. Returns the alerts created.
func (e *Engine) CheckThresholds(ctx context.Context, samples map[string]Sample) ([]*domain.KPIAlert, error) {
	thresholds, err := e.store.ListThresholds(ctx, true)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var created []*domain.KPIAlert
	for _, t := range thresholds {
		sample, ok := samples[t.KPIName]
		if !ok {
			continue
		}
		if t.LastAlertAt != nil && now.Sub(*t.LastAlertAt) < time.Duration(t.CooldownMinutes)*time.Minute {
			continue // cooldown
		}
		if !breached(t.Condition, t.ThresholdValue, sample) {
			continue
		}

		severity := t.Severity
		if t.CriticalThreshold != nil && breached(t.Condition, *t.CriticalThreshold, sample) {
			severity = domain.SeverityCritical
		}

		alert := &domain.KPIAlert{
			ID:               uuid.NewString(),
			ThresholdID:      t.ID,
			KPIName:          t.KPIName,
			Severity:         severity,
			Status:           domain.AlertActive,
			CurrentValue:     sample.Current,
			ThresholdValue:   t.ThresholdValue,
			DeviationPercent: deviationPercent(sample.Current, t.ThresholdValue),
			Message:          buildMessage(t, sample, severity),
			CreatedAt:        now,
		}
		if err := e.store.InsertAlert(ctx, alert); err != nil {
			return created, err
		}
		if err := e.store.SetLastAlertAt(ctx, t.ID, now); err != nil {
			return created, err
		}
		t.LastAlertAt = &now
		created = append(created, alert)
		if e.metrics != nil {
			e.metrics.AlertsTotal.WithLabelValues(string(severity)).Inc()
		}

		if e.bus != nil {
			e.bus.Publish(ctx, events.TypeKPIAlertCreated, map[string]any{
				"alertId":     alert.ID,
				"thresholdId": t.ID,
				"kpiName":     t.KPIName,
				"severity":    string(severity),
			}, "")
		}
		if e.notifier != nil {
			if !e.notifier.Enqueue(alert, t.Channels, t.Recipients) {
				logger.Printf("notification queue full, alert %s dropped from dispatch", alert.ID)
			}
		}
	}
	return created, nil
}

// breached applies the comparator. pct_change comparators need a usable
// previous value; without one they never breach.
func breached(cond domain.ThresholdCondition, threshold float64, s Sample) bool {
	switch cond {
	case domain.CondGT:
		return s.Current > threshold
	case domain.CondLT:
		return s.Current < threshold
	case domain.CondGTE:
		return s.Current >= threshold
	case domain.CondLTE:
		return s.Current <= threshold
	case domain.CondEQ:
		return s.Current == threshold
	case domain.CondNEQ:
		return s.Current != threshold
	case domain.CondPctChangeAbove, domain.CondPctChangeBelow:
		if s.Previous == nil || *s.Previous == 0 {
			return false
		}
		change := (s.Current - *s.Previous) / *s.Previous * 100
		if cond == domain.CondPctChangeAbove {
			return change > threshold
		}
		return change < -threshold
	}
	return false
}

// deviationPercent is the signed deviation from the threshold, 0 when the
// threshold itself is 0.
func deviationPercent(current, threshold float64) float64 {
	if threshold == 0 {
		return 0
	}
	return (current - threshold) / math.Abs(threshold) * 100
}

func buildMessage(t *domain.KPIThreshold, s Sample, severity domain.Severity) string {
	return fmt.Sprintf("[%s] %s is %.2f (threshold %s %.2f, deviation %+.1f%%)",
		severity, t.KPIName, s.Current, t.Condition, t.ThresholdValue,
		deviationPercent(s.Current, t.ThresholdValue))
}

// ==== ALERT LIFECYCLE ====

// Acknowledge moves an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) (*domain.KPIAlert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AlertActive {
		return nil, fmt.Errorf("alert %s is %s, not active", alertID, a.Status)
	}
	now := e.now()
	a.Status = domain.AlertAcknowledged
	a.AcknowledgedBy = &actor
	a.AcknowledgedAt = &now
	return a, e.store.SetAlertStatus(ctx, a)
}

// Resolve closes an active or acknowledged alert.
func (e *Engine) Resolve(ctx context.Context, alertID, actor string) (*domain.KPIAlert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AlertActive && a.Status != domain.AlertAcknowledged {
		return nil, fmt.Errorf("alert %s is %s, cannot resolve", alertID, a.Status)
	}
	now := e.now()
	a.Status = domain.AlertResolved
	a.ResolvedBy = &actor
	a.ResolvedAt = &now
	return a, e.store.SetAlertStatus(ctx, a)
}

// Snooze silences an active alert for the given number of minutes.
func (e *Engine) Snooze(ctx context.Context, alertID string, minutes int) (*domain.KPIAlert, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("snooze minutes must be positive")
	}
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AlertActive {
		return nil, fmt.Errorf("alert %s is %s, not active", alertID, a.Status)
	}
	until := e.now().Add(time.Duration(minutes) * time.Minute)
	a.Status = domain.AlertSnoozed
	a.SnoozedUntil = &until
	return a, e.store.SetAlertStatus(ctx, a)
}

// ListAlerts returns alerts, optionally filtered by status.
func (e *Engine) ListAlerts(ctx context.Context, status *domain.AlertStatus) ([]*domain.KPIAlert, error) {
	return e.store.ListAlerts(ctx, status)
}

// SetNotifier binds the dispatcher after construction. The dispatcher needs
// the engine as its notification recorder, so wiring runs in two steps.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetMetrics attaches the shared Prometheus counters.
func (e *Engine) SetMetrics(m *monitoring.Metrics) {
	e.metrics = m
}

// RecordNotification appends a channel-send outcome to the alert. Called by
// the dispatcher after each attempt.
func (e *Engine) RecordNotification(ctx context.Context, alertID, channel, recipient string, success bool, errorMessage string) error {
	return e.store.AppendNotification(ctx, alertID, domain.NotificationRecord{
		Channel:      channel,
		Recipient:    recipient,
		Success:      success,
		ErrorMessage: errorMessage,
		SentAt:       e.now(),
	})
}

// StartSnoozeLoop flips expired snoozes back to active every minute until
// ctx is cancelled.
func (e *Engine) StartSnoozeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.store.ReactivateSnoozed(ctx, e.now())
				if err != nil {
					logger.Printf("snooze reactivation failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Printf("reactivated %d snoozed alert(s)", n)
				}
			}
		}
	}()
}
