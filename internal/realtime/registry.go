// Package realtime maintains the authenticated WebSocket client registry and
// multicasts domain events to connected sessions filtered by role and
// subscription.
package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/monitoring"
)

const (
	// ReapInterval is how often the reaper sweeps sessions.
	ReapInterval = 30 * time.Second
	// StaleAfter closes sessions whose last ping is older than this.
	StaleAfter = 60 * time.Second
	// sessionBuffer is the per-session outbound channel depth. A full buffer
	// marks the consumer as too slow and the session is disconnected rather
	// than backing up the publisher.
	sessionBuffer = 64
)

// Roles known to the delivery authorization matrix.
const (
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleAmbassador = "ambassador"
	RoleAffiliate  = "affiliate"
)

// SubscriptionFilter narrows which events a session wants.
type SubscriptionFilter struct {
	EventTypes []string `json:"eventTypes,omitempty"`
	EventIDs   []string `json:"eventIds,omitempty"`
}

// outbound is one frame queued for a session's write pump: either a domain
// event or a pong control reply.
type outbound struct {
	Event *events.DomainEvent
	Pong  *time.Time
}

// Session is one long-lived client connection.
type Session struct {
	ID          string
	UserID      string
	Role        string
	ConnectedAt time.Time

	mu       sync.Mutex
	filter   SubscriptionFilter
	lastPing time.Time

	send chan outbound
	done chan struct{}
	once sync.Once
}

// Filter returns the current subscription filter.
func (s *Session) Filter() SubscriptionFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// SetFilter replaces the subscription filter. O(1) under the session lock.
func (s *Session) SetFilter(f SubscriptionFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Ping records client liveness.
func (s *Session) Ping(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = at
}

// LastPing returns the last recorded liveness time.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry tracks connected sessions. Guarded by a single mutex; the critical
// section is O(1) per subscription update and O(sessions) per publish.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *log.Logger
	cancel   context.CancelFunc
	metrics  *monitoring.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.New(log.Writer(), "[REALTIME] ", log.LstdFlags),
	}
}

// Register creates a session for an authenticated user and returns it.
func (r *Registry) Register(userID, role string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Role:        role,
		ConnectedAt: now,
		lastPing:    now,
		send:        make(chan outbound, sessionBuffer),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.WebsocketSessions.Set(float64(count))
	}
	r.logger.Printf("session %s connected (user=%s role=%s, %d active)", s.ID, userID, role, count)
	return s
}

// SetMetrics attaches the shared session gauge.
func (r *Registry) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// Unregister removes and closes a session.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		if r.metrics != nil {
			r.metrics.WebsocketSessions.Set(float64(count))
		}
		s.close()
		r.logger.Printf("session %s disconnected", sessionID)
	}
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Deliver implements events.Sink: fan the event out to every authorized
// session. A session whose buffer is full is disconnected; the publisher
// never blocks.
func (r *Registry) Deliver(event *events.DomainEvent) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		// Events from before the session connected belong to replay, not the
		// live feed. The durable-log append sits between timestamping and
		// fan-out, so a session registered in that window is excluded here.
		if s.ConnectedAt.After(event.Timestamp) {
			continue
		}
		if Authorized(s.Role, s.UserID, s.Filter(), event) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		select {
		case s.send <- outbound{Event: event}:
		default:
			r.logger.Printf("session %s too slow, disconnecting", s.ID)
			r.Unregister(s.ID)
		}
	}
}

// StartReaper launches the stale-session sweep loop. Returns a stop function.
func (r *Registry) StartReaper() func() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		ticker := time.NewTicker(ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reap(time.Now().UTC())
			}
		}
	}()
	return cancel
}

func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.LastPing()) > StaleAfter {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Printf("reaping stale session %s", id)
		r.Unregister(id)
	}
}

// Authorized applies the delivery authorization matrix:
//   - admin/manager receive any event matching the subscription filter
//   - ambassador receives events whose ambassadorId matches the user, or
//     whose eventId is explicitly subscribed
//   - affiliate receives only external_sync.completed and payroll.processed
//   - any other role receives nothing
func Authorized(role, userID string, filter SubscriptionFilter, event *events.DomainEvent) bool {
	switch role {
	case RoleAdmin, RoleManager:
		return matchesFilter(filter, event)
	case RoleAmbassador:
		if event.PayloadString("ambassadorId") == userID {
			return true
		}
		eventID := event.PayloadString("eventId")
		if eventID == "" {
			return false
		}
		for _, id := range filter.EventIDs {
			if id == eventID {
				return true
			}
		}
		return false
	case RoleAffiliate:
		return event.Type == events.TypeExternalSyncCompleted || event.Type == events.TypePayrollProcessed
	default:
		return false
	}
}

func matchesFilter(filter SubscriptionFilter, event *events.DomainEvent) bool {
	if len(filter.EventTypes) > 0 {
		found := false
		for _, t := range filter.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.EventIDs) > 0 {
		eventID := event.PayloadString("eventId")
		found := false
		for _, id := range filter.EventIDs {
			if id == eventID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
