package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/events"
)

func evt(eventType string, payload map[string]any) *events.DomainEvent {
	return &events.DomainEvent{
		ID:        "e-1",
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func TestAuthorizedAdminAndManager(t *testing.T) {
	e := evt(events.TypeSignUpSubmitted, map[string]any{"eventId": "ev-9"})

	assert.True(t, Authorized(RoleAdmin, "u1", SubscriptionFilter{}, e))
	assert.True(t, Authorized(RoleManager, "u1", SubscriptionFilter{}, e))

	// Type filter narrows delivery.
	f := SubscriptionFilter{EventTypes: []string{events.TypeEventUpdated}}
	assert.False(t, Authorized(RoleAdmin, "u1", f, e))
	f.EventTypes = []string{events.TypeSignUpSubmitted}
	assert.True(t, Authorized(RoleAdmin, "u1", f, e))

	// Event id filter narrows further.
	f.EventIDs = []string{"ev-1"}
	assert.False(t, Authorized(RoleAdmin, "u1", f, e))
	f.EventIDs = []string{"ev-9"}
	assert.True(t, Authorized(RoleAdmin, "u1", f, e))
}

func TestAuthorizedAmbassador(t *testing.T) {
	own := evt(events.TypeSignUpSubmitted, map[string]any{"ambassadorId": "amb-1"})
	other := evt(events.TypeSignUpSubmitted, map[string]any{"ambassadorId": "amb-2"})
	subscribed := evt(events.TypeEventUpdated, map[string]any{"eventId": "ev-5", "ambassadorId": "amb-2"})

	assert.True(t, Authorized(RoleAmbassador, "amb-1", SubscriptionFilter{}, own))
	assert.False(t, Authorized(RoleAmbassador, "amb-1", SubscriptionFilter{}, other))

	f := SubscriptionFilter{EventIDs: []string{"ev-5"}}
	assert.True(t, Authorized(RoleAmbassador, "amb-1", f, subscribed))
	assert.False(t, Authorized(RoleAmbassador, "amb-1", SubscriptionFilter{}, subscribed))
}

func TestAuthorizedAffiliate(t *testing.T) {
	assert.True(t, Authorized(RoleAffiliate, "u1", SubscriptionFilter{},
		evt(events.TypeExternalSyncCompleted, nil)))
	assert.True(t, Authorized(RoleAffiliate, "u1", SubscriptionFilter{},
		evt(events.TypePayrollProcessed, nil)))
	assert.False(t, Authorized(RoleAffiliate, "u1", SubscriptionFilter{},
		evt(events.TypeSignUpSubmitted, nil)))
}

func TestAuthorizedUnknownRole(t *testing.T) {
	assert.False(t, Authorized("intern", "u1", SubscriptionFilter{},
		evt(events.TypeSignUpSubmitted, nil)))
}

func TestDeliverFansOutToAuthorizedSessions(t *testing.T) {
	r := NewRegistry()
	admin := r.Register("u-admin", RoleAdmin)
	amb := r.Register("amb-1", RoleAmbassador)
	aff := r.Register("u-aff", RoleAffiliate)

	r.Deliver(evt(events.TypeSignUpSubmitted, map[string]any{"ambassadorId": "amb-1"}))

	require.Len(t, admin.send, 1)
	require.Len(t, amb.send, 1)
	assert.Len(t, aff.send, 0)
}

func TestDeliverSkipsSessionsConnectedAfterEvent(t *testing.T) {
	r := NewRegistry()

	// Published (and timestamped) before this session existed; it belongs to
	// replay, not the live feed.
	before := evt(events.TypeEventUpdated, nil)
	before.Timestamp = time.Now().UTC().Add(-time.Second)

	s := r.Register("u-admin", RoleAdmin)
	r.Deliver(before)
	assert.Len(t, s.send, 0)

	after := evt(events.TypeEventUpdated, nil)
	after.Timestamp = time.Now().UTC()
	r.Deliver(after)
	assert.Len(t, s.send, 1)
}

func TestDeliverDisconnectsSlowConsumer(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u-admin", RoleAdmin)

	for i := 0; i < sessionBuffer+1; i++ {
		r.Deliver(evt(events.TypeEventUpdated, nil))
	}

	_, ok := r.Get(s.ID)
	assert.False(t, ok, "session with a full buffer must be disconnected")
}

func TestReapClosesStaleSessions(t *testing.T) {
	r := NewRegistry()
	stale := r.Register("u1", RoleAdmin)
	fresh := r.Register("u2", RoleAdmin)

	stale.Ping(time.Now().UTC().Add(-2 * StaleAfter))
	fresh.Ping(time.Now().UTC())

	r.reap(time.Now().UTC())

	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u1", RoleAdmin)
	r.Unregister(s.ID)
	r.Unregister(s.ID)
	assert.Equal(t, 0, r.Count())
}
