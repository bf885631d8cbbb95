package kpi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	thresholds map[string]*domain.KPIThreshold
	versions   []*domain.KPIThresholdVersion
	alerts     map[string]*domain.KPIAlert
}

func newMemStore() *memStore {
	return &memStore{
		thresholds: map[string]*domain.KPIThreshold{},
		alerts:     map[string]*domain.KPIAlert{},
	}
}

func (m *memStore) InsertThreshold(ctx context.Context, t *domain.KPIThreshold, v *domain.KPIThresholdVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.thresholds[t.ID] = &cp
	vc := *v
	m.versions = append(m.versions, &vc)
	return nil
}

func (m *memStore) ReplaceCurrentVersion(ctx context.Context, head *domain.KPIThreshold, next *domain.KPIThresholdVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.thresholds[head.ID]; !ok {
		return database.ErrNotFound
	}
	for _, v := range m.versions {
		if v.ThresholdID == head.ID && v.IsCurrent {
			v.IsCurrent = false
			to := next.EffectiveFrom
			v.EffectiveTo = &to
		}
	}
	vc := *next
	m.versions = append(m.versions, &vc)
	cp := *head
	m.thresholds[head.ID] = &cp
	return nil
}

func (m *memStore) GetThreshold(ctx context.Context, id string) (*domain.KPIThreshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListThresholds(ctx context.Context, enabledOnly bool) ([]*domain.KPIThreshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KPIThreshold
	for _, t := range m.thresholds {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) VersionAt(ctx context.Context, thresholdID string, at time.Time) (*domain.KPIThresholdVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.KPIThresholdVersion
	for _, v := range m.versions {
		if v.ThresholdID != thresholdID || v.EffectiveFrom.After(at) {
			continue
		}
		if v.EffectiveTo != nil && !v.EffectiveTo.After(at) {
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	if best == nil {
		return nil, database.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) VersionByNumber(ctx context.Context, thresholdID string, version int) (*domain.KPIThresholdVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.ThresholdID == thresholdID && v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) SetLastAlertAt(ctx context.Context, thresholdID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[thresholdID]
	if !ok {
		return database.ErrNotFound
	}
	ts := at
	t.LastAlertAt = &ts
	return nil
}

func (m *memStore) InsertAlert(ctx context.Context, a *domain.KPIAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memStore) GetAlert(ctx context.Context, id string) (*domain.KPIAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAlerts(ctx context.Context, status *domain.AlertStatus) ([]*domain.KPIAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KPIAlert
	for _, a := range m.alerts {
		if status != nil && a.Status != *status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SetAlertStatus(ctx context.Context, a *domain.KPIAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memStore) ReactivateSnoozed(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Status == domain.AlertSnoozed && a.SnoozedUntil != nil && a.SnoozedUntil.Before(now) {
			a.Status = domain.AlertActive
			a.SnoozedUntil = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendNotification(ctx context.Context, alertID string, rec domain.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return database.ErrNotFound
	}
	a.Notifications = append(a.Notifications, rec)
	a.NotificationCount++
	return nil
}

func newTestEngine() (*Engine, *memStore, *time.Time) {
	store := newMemStore()
	e := NewEngine(store, nil, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	e.now = func() time.Time { return *clock }
	return e, store, clock
}

func basicInput() ThresholdInput {
	return ThresholdInput{
		KPIName:         "daily_signups",
		Category:        "growth",
		Condition:       domain.CondGT,
		ThresholdValue:  100,
		Severity:        domain.SeverityWarning,
		Enabled:         true,
		CooldownMinutes: 60,
		Channels:        []string{"email"},
		Recipients:      []string{"ops@example.com"},
	}
}

func TestCreateThresholdRoundTrip(t *testing.T) {
	e, _, clock := newTestEngine()
	ctx := context.Background()

	created, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, created.CurrentVersion)

	at, err := e.GetThresholdAtTime(ctx, created.ID, *clock)
	require.NoError(t, err)
	assert.Equal(t, created.ID, at.ID)
	assert.Equal(t, 100.0, at.ThresholdValue)
}

func TestUpdateThresholdVersioning(t *testing.T) {
	e, store, clock := newTestEngine()
	ctx := context.Background()

	created, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	v1Time := *clock

	*clock = clock.Add(time.Hour)
	in := basicInput()
	in.ThresholdValue = 200
	updated, err := e.UpdateThreshold(ctx, created.ID, in, "admin-1", "raised target")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentVersion)

	// Exactly one current version, intervals adjacent.
	currents := 0
	for _, v := range store.versions {
		if v.ThresholdID == created.ID && v.IsCurrent {
			currents++
			assert.Equal(t, 2, v.Version)
		}
		if v.Version == 1 {
			require.NotNil(t, v.EffectiveTo)
			assert.Equal(t, *clock, *v.EffectiveTo)
		}
	}
	assert.Equal(t, 1, currents)

	// Historical read sees the old value.
	old, err := e.GetThresholdAtTime(ctx, created.ID, v1Time.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 100.0, old.ThresholdValue)
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	e, _, clock := newTestEngine()
	ctx := context.Background()

	created, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	in := basicInput()
	in.ThresholdValue = 200
	_, err = e.UpdateThreshold(ctx, created.ID, in, "admin-1", "")
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	rolled, err := e.RollbackThreshold(ctx, created.ID, 1, "admin-1", "")
	require.NoError(t, err)

	assert.Equal(t, 3, rolled.CurrentVersion, "rollback is a new version, not history mutation")
	assert.Equal(t, 100.0, rolled.ThresholdValue)
}

func TestCheckThresholdsCooldown(t *testing.T) {
	e, _, clock := newTestEngine()
	ctx := context.Background()

	created, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)

	// t0: breach, one alert.
	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 120}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, created.ID, alerts[0].ThresholdID)
	assert.InDelta(t, 20.0, alerts[0].DeviationPercent, 0.001)

	// t0+30m: still breaching, cooldown suppresses.
	*clock = clock.Add(30 * time.Minute)
	alerts, err = e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 130}})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// t0+61m: cooldown expired, one alert.
	*clock = clock.Add(31 * time.Minute)
	alerts, err = e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 130}})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestSeverityEscalation(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	in := basicInput()
	critical := 150.0
	in.CriticalThreshold = &critical
	_, err := e.CreateThreshold(ctx, in, "admin-1")
	require.NoError(t, err)

	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 160}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
}

func TestPctChangeComparator(t *testing.T) {
	prev := 100.0
	assert.True(t, breached(domain.CondPctChangeAbove, 20, Sample{Current: 125, Previous: &prev}))
	assert.False(t, breached(domain.CondPctChangeAbove, 20, Sample{Current: 115, Previous: &prev}))
	assert.True(t, breached(domain.CondPctChangeBelow, 20, Sample{Current: 75, Previous: &prev}))
	assert.False(t, breached(domain.CondPctChangeBelow, 20, Sample{Current: 90, Previous: &prev}))

	// No usable baseline, never breaches.
	zero := 0.0
	assert.False(t, breached(domain.CondPctChangeAbove, 20, Sample{Current: 500}))
	assert.False(t, breached(domain.CondPctChangeAbove, 20, Sample{Current: 500, Previous: &zero}))
}

func TestDeviationPercentZeroThreshold(t *testing.T) {
	assert.Equal(t, 0.0, deviationPercent(42, 0))
	assert.InDelta(t, 25.0, deviationPercent(125, 100), 0.001)
	assert.InDelta(t, -25.0, deviationPercent(75, 100), 0.001)
}

func TestAlertLifecycle(t *testing.T) {
	e, _, clock := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 120}})
	require.NoError(t, err)
	alert := alerts[0]

	acked, err := e.Acknowledge(ctx, alert.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)

	// Snooze only applies to active alerts.
	_, err = e.Snooze(ctx, alert.ID, 10)
	assert.Error(t, err)

	resolved, err := e.Resolve(ctx, alert.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)

	_, err = e.Resolve(ctx, alert.ID, "ops-1")
	assert.Error(t, err, "resolved is terminal")

	_ = clock
}

func TestSnoozeAndReactivate(t *testing.T) {
	e, store, clock := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 120}})
	require.NoError(t, err)
	alert := alerts[0]

	snoozed, err := e.Snooze(ctx, alert.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)

	// Not yet expired.
	n, err := store.ReactivateSnoozed(ctx, clock.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.ReactivateSnoozed(ctx, clock.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := e.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertActive, a.Status)
}

// recordingSender captures sends and can fail.
type recordingSender struct {
	mu    sync.Mutex
	sends []string
	fail  bool
}

func (s *recordingSender) Channel() string { return "email" }

func (s *recordingSender) Send(ctx context.Context, alert *domain.KPIAlert, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("gateway unavailable")
	}
	s.sends = append(s.sends, recipient)
	return nil
}

func TestDispatcherRecordsOutcomes(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 120}})
	require.NoError(t, err)
	alert := alerts[0]

	sender := &recordingSender{}
	d := NewDispatcher([]Sender{sender}, e, 2)
	ok := d.Enqueue(alert, []string{"email", "fax"}, []string{"ops@example.com", "lead@example.com"})
	assert.True(t, ok, "unknown channels are skipped, not dropped")
	d.Stop()

	stored, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.NotificationCount)
	require.Len(t, stored.Notifications, 2)
	assert.True(t, stored.Notifications[0].Success)
	assert.Equal(t, "email", stored.Notifications[0].Channel)
}

func TestDispatcherRecordsFailures(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateThreshold(ctx, basicInput(), "admin-1")
	require.NoError(t, err)
	alerts, err := e.CheckThresholds(ctx, map[string]Sample{"daily_signups": {Current: 120}})
	require.NoError(t, err)

	sender := &recordingSender{fail: true}
	d := NewDispatcher([]Sender{sender}, e, 1)
	d.Enqueue(alerts[0], []string{"email"}, []string{"ops@example.com"})
	d.Stop()

	stored, err := store.GetAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	require.Len(t, stored.Notifications, 1)
	assert.False(t, stored.Notifications[0].Success)
	assert.Equal(t, "gateway unavailable", stored.Notifications[0].ErrorMessage)
}
