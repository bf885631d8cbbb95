package domain

import (
	"fmt"
	"time"
)

// EventStatus is the scheduling state of an on-site activation.
type EventStatus string

const (
	EventPlanned   EventStatus = "planned"
	EventConfirmed EventStatus = "confirmed"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

// eventTransitions is the allowed status state machine:
// planned → confirmed → active → completed, cancelled reachable from the
// first three. completed and cancelled are terminal.
var eventTransitions = map[EventStatus][]EventStatus{
	EventPlanned:   {EventConfirmed, EventCancelled},
	EventConfirmed: {EventActive, EventCancelled},
	EventActive:    {EventCompleted, EventCancelled},
}

// CanTransition reports whether from → to is a legal event status move.
func CanTransition(from, to EventStatus) bool {
	for _, next := range eventTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is a scheduled on-site activation.
type Event struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Venue     string      `json:"venue"`
	EventDate time.Time   `json:"eventDate"`
	StartTime *string     `json:"startTime,omitempty"`
	EndTime   *string     `json:"endTime,omitempty"`
	Timezone  string      `json:"timezone"`
	City      string      `json:"city"`
	State     string      `json:"state"`
	Status    EventStatus `json:"status"`
	EventType string      `json:"eventType"`
	Notes     string      `json:"notes"`

	ImportBatchID *string   `json:"importBatchId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transition validates and applies a status change, returning the history row
// to persist alongside it.
func (e *Event) Transition(to EventStatus, actor, reason string, at time.Time) (*EventStatusChange, error) {
	if !CanTransition(e.Status, to) {
		return nil, fmt.Errorf("illegal event transition %s -> %s", e.Status, to)
	}
	change := &EventStatusChange{
		EventID: e.ID,
		From:    e.Status,
		To:      to,
		Actor:   actor,
		Reason:  reason,
		At:      at,
	}
	e.Status = to
	return change, nil
}

// EventStatusChange is one row of the event status history.
type EventStatusChange struct {
	ID      string      `json:"id"`
	EventID string      `json:"eventId"`
	From    EventStatus `json:"from"`
	To      EventStatus `json:"to"`
	Actor   string      `json:"actor"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// AssignmentStatus is the state of an ambassador's event assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentConfirmed AssignmentStatus = "confirmed"
	AssignmentDeclined  AssignmentStatus = "declined"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Assignment links an ambassador to an event. (eventId, ambassadorId) is unique.
type Assignment struct {
	ID           string           `json:"id"`
	EventID      string           `json:"eventId"`
	AmbassadorID string           `json:"ambassadorId"`
	Status       AssignmentStatus `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Ambassador is a field staffer dispatched to venues.
type Ambassador struct {
	ID         string  `json:"id"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Email      string  `json:"email"`
	SkillLevel string  `json:"skillLevel"` // trainee | standard | senior | lead
	HourlyRate float64 `json:"hourlyRate"`
	IsActive   bool    `json:"isActive"`
}

// FullName returns "First Last" for display and import matching.
func (a Ambassador) FullName() string {
	return a.FirstName + " " + a.LastName
}

// Operator is a betting partner whose sign-ups we are paid for.
type Operator struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	ShortName   string `json:"shortName"`
	IsActive    bool   `json:"isActive"`
}
