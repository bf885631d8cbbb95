package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
)

// Store is the persistence surface the service needs; *PostgresStore
// implements it, tests use an in-memory fake.
type Store interface {
	Insert(ctx context.Context, ev *domain.Event) error
	ByID(ctx context.Context, id string) (*domain.Event, error)
	List(ctx context.Context, f ListFilter) ([]*domain.Event, int, error)
	Update(ctx context.Context, ev *domain.Event, change *domain.EventStatusChange) error
	Delete(ctx context.Context, id string) error
	StatusHistory(ctx context.Context, eventID string) ([]*domain.EventStatusChange, error)
	Assignments(ctx context.Context, eventID string) ([]*domain.Assignment, error)
	InsertWithAssignments(ctx context.Context, ev *domain.Event, assignments []*domain.Assignment) error
	ConflictOn(ctx context.Context, date time.Time, venue string) (bool, error)
}

// Service carries event lifecycle rules: the status state machine, history,
// and the duplicate family.
type Service struct {
	store Store
	bus   *events.Bus
}

func NewService(store Store, bus *events.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Input is the create/update payload after HTTP validation.
type Input struct {
	Title     string
	Venue     string
	EventDate time.Time
	StartTime *string
	EndTime   *string
	Timezone  string
	City      string
	State     string
	EventType string
	Notes     string
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Venue) == "" {
		return errors.New("venue is required")
	}
	if in.EventDate.IsZero() {
		return errors.New("eventDate is required")
	}
	if in.State != "" && len(in.State) != 2 {
		return fmt.Errorf("state %q must be a 2-letter code", in.State)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in Input, actor string) (*domain.Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ev := &domain.Event{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Venue:     in.Venue,
		EventDate: in.EventDate,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Timezone:  defaultTimezone(in.Timezone),
		City:      in.City,
		State:     strings.ToUpper(in.State),
		Status:    domain.EventPlanned,
		EventType: in.EventType,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.Title == "" {
		ev.Title = ev.Venue + " " + ev.EventDate.Format("Jan 2")
	}
	if err := s.store.Insert(ctx, ev); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, ev, "created", actor)
	return ev, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Event, error) {
	return s.store.ByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*domain.Event, int, error) {
	return s.store.List(ctx, f)
}

// Update edits fields and, when newStatus is non-empty, runs the status state
// machine; an illegal transition fails the whole update.
func (s *Service) Update(ctx context.Context, id string, in Input, newStatus domain.EventStatus, actor, reason string) (*domain.Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ev, err := s.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ev.Title = in.Title
	ev.Venue = in.Venue
	ev.EventDate = in.EventDate
	ev.StartTime = in.StartTime
	ev.EndTime = in.EndTime
	ev.Timezone = defaultTimezone(in.Timezone)
	ev.City = in.City
	ev.State = strings.ToUpper(in.State)
	ev.EventType = in.EventType
	ev.Notes = in.Notes
	ev.UpdatedAt = time.Now().UTC()

	var change *domain.EventStatusChange
	if newStatus != "" && newStatus != ev.Status {
		change, err = ev.Transition(newStatus, actor, reason, ev.UpdatedAt)
		if err != nil {
			return nil, err
		}
		change.ID = uuid.NewString()
	}
	if err := s.store.Update(ctx, ev, change); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, ev, "updated", actor)
	return ev, nil
}

func (s *Service) Delete(ctx context.Context, id string, actor string) error {
	ev, err := s.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publishUpdate(ctx, ev, "deleted", actor)
	return nil
}

func (s *Service) StatusHistory(ctx context.Context, id string) ([]*domain.EventStatusChange, error) {
	return s.store.StatusHistory(ctx, id)
}

// Duplicate copies an event to a new date, carrying venue, staffing and
// metadata; the copy starts back at planned with fresh pending assignments.
func (s *Service) Duplicate(ctx context.Context, id string, newDate time.Time, actor string) (*domain.Event, error) {
	src, err := s.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	assignments, err := s.store.Assignments(ctx, id)
	if err != nil {
		return nil, err
	}

	copyEv := cloneForDate(src, newDate)
	copied := make([]*domain.Assignment, 0, len(assignments))
	now := time.Now().UTC()
	for _, a := range assignments {
		copied = append(copied, &domain.Assignment{
			ID:           uuid.NewString(),
			EventID:      copyEv.ID,
			AmbassadorID: a.AmbassadorID,
			Status:       domain.AssignmentPending,
			CreatedAt:    now,
		})
	}
	if err := s.store.InsertWithAssignments(ctx, copyEv, copied); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, copyEv, "duplicated", actor)
	return copyEv, nil
}

// BulkOutcome is the per-date result of DuplicateBulk.
type BulkOutcome struct {
	Date    string  `json:"date"`
	EventID *string `json:"eventId,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// DuplicateBulk stamps the event onto every date; per-date failures are
// reported, not fatal.
func (s *Service) DuplicateBulk(ctx context.Context, id string, dates []time.Time, actor string) ([]BulkOutcome, error) {
	if len(dates) == 0 {
		return nil, errors.New("at least one date is required")
	}
	out := make([]BulkOutcome, 0, len(dates))
	for _, d := range dates {
		res := BulkOutcome{Date: d.Format("2006-01-02")}
		ev, err := s.Duplicate(ctx, id, d, actor)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.EventID = &ev.ID
		}
		out = append(out, res)
	}
	return out, nil
}

// DuplicatePreview reports, per candidate date, whether an event already
// exists at (date, venue). No writes.
type PreviewEntry struct {
	Date     string `json:"date"`
	Conflict bool   `json:"conflict"`
}

func (s *Service) DuplicatePreview(ctx context.Context, id string, dates []time.Time) ([]PreviewEntry, error) {
	src, err := s.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]PreviewEntry, 0, len(dates))
	for _, d := range dates {
		conflict, err := s.store.ConflictOn(ctx, d, src.Venue)
		if err != nil {
			return nil, err
		}
		out = append(out, PreviewEntry{Date: d.Format("2006-01-02"), Conflict: conflict})
	}
	return out, nil
}

func cloneForDate(src *domain.Event, date time.Time) *domain.Event {
	now := time.Now().UTC()
	return &domain.Event{
		ID:        uuid.NewString(),
		Title:     src.Venue + " " + date.Format("Jan 2"),
		Venue:     src.Venue,
		EventDate: date,
		StartTime: src.StartTime,
		EndTime:   src.EndTime,
		Timezone:  src.Timezone,
		City:      src.City,
		State:     src.State,
		Status:    domain.EventPlanned,
		EventType: src.EventType,
		Notes:     src.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func defaultTimezone(tz string) string {
	if tz == "" {
		return "America/New_York"
	}
	return tz
}

func (s *Service) publishUpdate(ctx context.Context, ev *domain.Event, action, actor string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.TypeEventUpdated, map[string]any{
		"eventId":   ev.ID,
		"action":    action,
		"status":    string(ev.Status),
		"eventDate": ev.EventDate.Format("2006-01-02"),
		"venue":     ev.Venue,
	}, actor)
}
