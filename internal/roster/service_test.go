package roster

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
)

type memStore struct {
	events      map[string]*domain.Event
	assignments map[string][]*domain.Assignment
	history     map[string][]*domain.EventStatusChange
}

func newMemStore() *memStore {
	return &memStore{
		events:      map[string]*domain.Event{},
		assignments: map[string][]*domain.Assignment{},
		history:     map[string][]*domain.EventStatusChange{},
	}
}

func (m *memStore) Insert(ctx context.Context, ev *domain.Event) error {
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}
func (m *memStore) ByID(ctx context.Context, id string) (*domain.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}
func (m *memStore) List(ctx context.Context, f ListFilter) ([]*domain.Event, int, error) {
	var out []*domain.Event
	for _, ev := range m.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, len(out), nil
}
func (m *memStore) Update(ctx context.Context, ev *domain.Event, change *domain.EventStatusChange) error {
	if _, ok := m.events[ev.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *ev
	m.events[ev.ID] = &cp
	if change != nil {
		m.history[ev.ID] = append(m.history[ev.ID], change)
	}
	return nil
}
func (m *memStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.events[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.events, id)
	delete(m.assignments, id)
	return nil
}
func (m *memStore) StatusHistory(ctx context.Context, eventID string) ([]*domain.EventStatusChange, error) {
	return m.history[eventID], nil
}
func (m *memStore) Assignments(ctx context.Context, eventID string) ([]*domain.Assignment, error) {
	return m.assignments[eventID], nil
}
func (m *memStore) InsertWithAssignments(ctx context.Context, ev *domain.Event, assignments []*domain.Assignment) error {
	cp := *ev
	m.events[ev.ID] = &cp
	m.assignments[ev.ID] = assignments
	return nil
}
func (m *memStore) ConflictOn(ctx context.Context, date time.Time, venue string) (bool, error) {
	for _, ev := range m.events {
		if ev.EventDate.Equal(date) && strings.EqualFold(ev.Venue, venue) {
			return true, nil
		}
	}
	return false, nil
}

func seedEvent(t *testing.T, s *Service) *domain.Event {
	t.Helper()
	ev, err := s.Create(context.Background(), Input{
		Venue:     "MSG - Main Concourse",
		EventDate: time.Date(2025, time.March, 8, 0, 0, 0, 0, time.UTC),
		City:      "New York",
		State:     "ny",
		EventType: "concourse",
	}, "ops")
	require.NoError(t, err)
	return ev
}

func TestCreateDefaults(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	ev := seedEvent(t, s)

	assert.Equal(t, domain.EventPlanned, ev.Status)
	assert.Equal(t, "NY", ev.State)
	assert.Equal(t, "MSG - Main Concourse Mar 8", ev.Title)
	assert.Equal(t, "America/New_York", ev.Timezone)
}

func TestCreateValidation(t *testing.T) {
	s := NewService(newMemStore(), nil)
	_, err := s.Create(context.Background(), Input{EventDate: time.Now()}, "ops")
	assert.ErrorContains(t, err, "venue")

	_, err = s.Create(context.Background(), Input{Venue: "X", EventDate: time.Now(), State: "New York"}, "ops")
	assert.ErrorContains(t, err, "2-letter")
}

func TestUpdateStatusTransition(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	ev := seedEvent(t, s)

	in := Input{Venue: ev.Venue, EventDate: ev.EventDate, State: ev.State}
	updated, err := s.Update(context.Background(), ev.ID, in, domain.EventConfirmed, "ops", "venue signed")
	require.NoError(t, err)
	assert.Equal(t, domain.EventConfirmed, updated.Status)

	history, err := s.StatusHistory(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.EventPlanned, history[0].From)
	assert.Equal(t, domain.EventConfirmed, history[0].To)
	assert.Equal(t, "venue signed", history[0].Reason)

	// planned is not reachable from confirmed
	_, err = s.Update(context.Background(), ev.ID, in, domain.EventPlanned, "ops", "")
	assert.ErrorContains(t, err, "illegal event transition")
}

func TestDuplicateCopiesStaffingAsPending(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	ev := seedEvent(t, s)
	store.assignments[ev.ID] = []*domain.Assignment{
		{ID: "as-1", EventID: ev.ID, AmbassadorID: "amb-1", Status: domain.AssignmentCompleted},
		{ID: "as-2", EventID: ev.ID, AmbassadorID: "amb-2", Status: domain.AssignmentConfirmed},
	}

	newDate := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)
	dup, err := s.Duplicate(context.Background(), ev.ID, newDate, "ops")
	require.NoError(t, err)

	assert.NotEqual(t, ev.ID, dup.ID)
	assert.Equal(t, ev.Venue, dup.Venue)
	assert.Equal(t, newDate, dup.EventDate)
	assert.Equal(t, domain.EventPlanned, dup.Status)

	copied := store.assignments[dup.ID]
	require.Len(t, copied, 2)
	for _, a := range copied {
		assert.Equal(t, domain.AssignmentPending, a.Status)
		assert.Equal(t, dup.ID, a.EventID)
	}
}

func TestDuplicateBulkReportsPerDate(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	ev := seedEvent(t, s)

	dates := []time.Time{
		time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 22, 0, 0, 0, 0, time.UTC),
	}
	out, err := s.DuplicateBulk(context.Background(), ev.ID, dates, "ops")
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, o := range out {
		assert.Empty(t, o.Error)
		assert.NotNil(t, o.EventID)
	}

	_, err = s.DuplicateBulk(context.Background(), ev.ID, nil, "ops")
	assert.Error(t, err)
}

func TestDuplicatePreviewFlagsConflicts(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	ev := seedEvent(t, s)

	entries, err := s.DuplicatePreview(context.Background(), ev.ID, []time.Time{
		ev.EventDate, // same venue same day: conflict
		ev.EventDate.AddDate(0, 0, 7),
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Conflict)
	assert.False(t, entries[1].Conflict)
}
