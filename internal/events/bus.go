// Package events implements the in-process domain event bus: publish assigns
// identity and a per-node monotonic timestamp, appends to the durable event
// log, feeds the bounded replay buffer, and fans out to registered sinks
// (realtime sessions, the notification dispatcher, the redis bridge).
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fieldops/backend/internal/database"
)

// Domain event types published by the core subsystems.
const (
	TypeSignUpSubmitted           = "sign_up.submitted"
	TypeSignUpValidated           = "sign_up.validated"
	TypeSignUpRejected            = "sign_up.rejected"
	TypeSignUpRateMissing         = "sign_up.rate_missing"
	TypeSignUpExtractionConfirmed = "sign_up.extraction_confirmed"
	TypeSignUpExtractionSkipped   = "sign_up.extraction_skipped"
	TypeEventUpdated              = "event.updated"
	TypePayrollProcessed          = "payroll.processed"
	TypeExternalSyncCompleted     = "external_sync.completed"
	TypeKPIAlertCreated           = "kpi.alert_created"
	TypeDashboardSignupUpdate     = "dashboard.signup_update"
	TypeDashboardMetricsRefresh   = "dashboard.metrics_refresh"
)

// DomainEvent is the envelope every subsystem publishes.
type DomainEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// PayloadString returns a string payload field, or "" when absent.
func (e *DomainEvent) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Sink receives every published event. Deliver must not block the publisher;
// sinks own their buffering and drop policy.
type Sink interface {
	Deliver(event *DomainEvent)
}

// DefaultReplaySize is the bounded in-memory replay buffer length.
const DefaultReplaySize = 1000

// Bus is the domain event bus. Single-writer over the replay ring; sinks are
// fanned out to under a read lock.
type Bus struct {
	db     *database.DB
	logger *log.Logger

	mu     sync.RWMutex
	sinks  []Sink
	ring   []*DomainEvent
	head   int
	filled bool

	tsMu   sync.Mutex
	lastTS time.Time
}

// NewBus creates a bus with the default replay buffer size. A nil db gives a
// log-less bus (used by tests and tooling).
func NewBus(db *database.DB) *Bus {
	return &Bus{
		db:     db,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		ring:   make([]*DomainEvent, DefaultReplaySize),
	}
}

// AddSink registers a fan-out target.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish assigns id and timestamp, appends to the durable log, pushes the
// replay ring, and delivers to every sink. Fire-and-forget for the caller: a
// failed log append is logged, never surfaced.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, userID string) *DomainEvent {
	event := &DomainEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.nextTimestamp(),
		UserID:    userID,
		Payload:   payload,
	}
	b.dispatch(ctx, event, true)
	return event
}

// Inject delivers an event that originated on another node (via the redis
// bridge) to local sinks only: no log append, no re-bridge.
func (b *Bus) Inject(event *DomainEvent) {
	b.dispatch(context.Background(), event, false)
}

func (b *Bus) dispatch(ctx context.Context, event *DomainEvent, durable bool) {
	if durable {
		if err := b.appendLog(ctx, event); err != nil {
			b.logger.Printf("event log append failed for %s: %v", event.Type, err)
		}
	}

	b.mu.Lock()
	b.ring[b.head] = event
	b.head = (b.head + 1) % len(b.ring)
	if b.head == 0 {
		b.filled = true
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		if !durable {
			if _, isBridge := s.(*RedisBridge); isBridge {
				continue
			}
		}
		s.Deliver(event)
	}
}

// nextTimestamp returns a strictly increasing timestamp per node.
func (b *Bus) nextTimestamp() time.Time {
	b.tsMu.Lock()
	defer b.tsMu.Unlock()
	now := time.Now().UTC()
	if !now.After(b.lastTS) {
		now = b.lastTS.Add(time.Microsecond)
	}
	b.lastTS = now
	return now
}

// Buffered returns the replay buffer contents, oldest first.
func (b *Bus) Buffered() []*DomainEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*DomainEvent
	if b.filled {
		for i := 0; i < len(b.ring); i++ {
			out = append(out, b.ring[(b.head+i)%len(b.ring)])
		}
	} else {
		for i := 0; i < b.head; i++ {
			out = append(out, b.ring[i])
		}
	}
	return out
}

func (b *Bus) appendLog(ctx context.Context, event *DomainEvent) error {
	if b.db == nil {
		return nil
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	var userID any
	if event.UserID != "" {
		userID = event.UserID
	}
	_, err = b.db.Exec(ctx, `
		INSERT INTO domain_event_log (id, type, payload, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.Type, payload, userID, event.Timestamp)
	return err
}

// ReadLog reads the durable log ascending from fromTimestamp, optionally
// filtered by type, capped at limit. Serves replay requests; authorization
// re-filtering is the caller's job.
func (b *Bus) ReadLog(ctx context.Context, fromTimestamp time.Time, eventTypes []string, limit int) ([]*DomainEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > DefaultReplaySize {
		limit = DefaultReplaySize
	}

	query := `
		SELECT id, type, payload, user_id, created_at
		FROM domain_event_log
		WHERE created_at >= $1`
	args := []any{fromTimestamp}
	if len(eventTypes) > 0 {
		query += ` AND type = ANY($2) ORDER BY created_at ASC LIMIT $3`
		args = append(args, pq.Array(eventTypes), limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DomainEvent
	for rows.Next() {
		var (
			e      DomainEvent
			raw    []byte
			userID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &raw, &userID, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				b.logger.Printf("undecodable payload for logged event %s: %v", e.ID, err)
				e.Payload = map[string]any{}
			}
		}
		e.UserID = userID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
