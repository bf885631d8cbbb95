package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/monitoring"
	"github.com/fieldops/backend/internal/realtime"
	"github.com/fieldops/backend/internal/retry"
	"github.com/fieldops/backend/internal/roster"
	"github.com/fieldops/backend/internal/signup"
)

// ==== FAKES ====

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	switch token {
	case "amb-token":
		return &Principal{UserID: "u-amb", Role: "ambassador"}, nil
	case "mgr-token":
		return &Principal{UserID: "u-mgr", Role: "manager"}, nil
	case "adm-token":
		return &Principal{UserID: "u-adm", Role: "admin"}, nil
	}
	return nil, errors.New("unknown token")
}

type stubEvents struct {
	created *domain.Event
	getErr  error
}

func (s *stubEvents) Create(_ context.Context, in roster.Input, _ string) (*domain.Event, error) {
	s.created = &domain.Event{
		ID:        "ev-1",
		Venue:     in.Venue,
		EventDate: in.EventDate,
		Status:    domain.EventPlanned,
	}
	return s.created, nil
}

func (s *stubEvents) Get(_ context.Context, id string) (*domain.Event, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &domain.Event{ID: id, Venue: "MSG", Status: domain.EventPlanned}, nil
}

func (s *stubEvents) List(context.Context, roster.ListFilter) ([]*domain.Event, int, error) {
	return []*domain.Event{{ID: "ev-1", Venue: "MSG"}}, 1, nil
}

func (s *stubEvents) Update(_ context.Context, id string, in roster.Input, _ domain.EventStatus, _, _ string) (*domain.Event, error) {
	return &domain.Event{ID: id, Venue: in.Venue}, nil
}

func (s *stubEvents) Delete(context.Context, string, string) error { return nil }

func (s *stubEvents) StatusHistory(context.Context, string) ([]*domain.EventStatusChange, error) {
	return nil, nil
}

func (s *stubEvents) Duplicate(_ context.Context, _ string, date time.Time, _ string) (*domain.Event, error) {
	return &domain.Event{ID: "ev-copy", EventDate: date}, nil
}

func (s *stubEvents) DuplicateBulk(context.Context, string, []time.Time, string) ([]roster.BulkOutcome, error) {
	return nil, nil
}

func (s *stubEvents) DuplicatePreview(context.Context, string, []time.Time) ([]roster.PreviewEntry, error) {
	return nil, nil
}

type stubSignups struct {
	submitErr error
	skippedID string
}

func (s *stubSignups) canned(sub signup.Submission) *domain.SignUp {
	return &domain.SignUp{
		ID:             "su-1",
		CustomerEmail:  sub.CustomerEmail,
		OperatorID:     sub.OperatorID,
		AmbassadorID:   sub.AmbassadorID,
		IdempotencyKey: sub.IdempotencyKey,
	}
}

func (s *stubSignups) SubmitEventSignup(_ context.Context, sub signup.Submission) (*domain.SignUp, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return s.canned(sub), nil
}

func (s *stubSignups) SubmitSoloSignup(_ context.Context, sub signup.Submission) (*domain.SignUp, error) {
	return s.canned(sub), nil
}

func (s *stubSignups) CreateDirect(_ context.Context, sub signup.Submission) (*domain.SignUp, error) {
	return s.canned(sub), nil
}

func (s *stubSignups) Get(_ context.Context, id string) (*domain.SignUp, error) {
	return &domain.SignUp{ID: id}, nil
}

func (s *stubSignups) Validate(_ context.Context, id, _ string) (*domain.SignUp, error) {
	return &domain.SignUp{ID: id, ValidationStat: domain.ValidationValidated}, nil
}

func (s *stubSignups) Reject(_ context.Context, id, _ string) (*domain.SignUp, error) {
	return &domain.SignUp{ID: id, ValidationStat: domain.ValidationRejected}, nil
}

func (s *stubSignups) CheckDuplicate(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (s *stubSignups) ReviewQueue(context.Context) ([]*domain.SignUp, error) { return nil, nil }

func (s *stubSignups) ConfirmExtraction(_ context.Context, id string, _ *domain.ExtractionResult) (*domain.SignUp, error) {
	return &domain.SignUp{ID: id}, nil
}

func (s *stubSignups) SkipExtraction(_ context.Context, id, _ string) (*domain.SignUp, error) {
	s.skippedID = id
	return &domain.SignUp{ID: id}, nil
}

func (s *stubSignups) SyncFailures(context.Context) ([]*domain.SyncFailure, error) { return nil, nil }

func (s *stubSignups) RetryFailedSync(context.Context, string) error { return nil }

// response mirrors the envelope for assertions.
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    *struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"meta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(events *stubEvents, signups *stubSignups) *Server {
	return NewServer(Deps{
		Verifier: stubVerifier{},
		Events:   events,
		Signups:  signups,
	})
}

func do(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec, resp
}

// ==== TESTS ====

func TestMissingTokenRejected(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodGet, "/api/v1/events", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthenticated", resp.Error.Code)
	assert.False(t, resp.Success)
}

func TestRoleGate(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodGet, "/api/v1/events", "amb-token", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", resp.Error.Code)
}

func TestEventListEnvelope(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodGet, "/api/v1/events", "mgr-token", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.Total)
	assert.Equal(t, 50, resp.Meta.Limit)
}

func TestEventCreateRequiresVenue(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodPost, "/api/v1/events", "mgr-token",
		map[string]any{"eventDate": "2026-05-01"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", resp.Error.Code)
}

func TestEventCreate(t *testing.T) {
	events := &stubEvents{}
	s := newTestServer(events, &stubSignups{})

	rec, resp := do(t, s, http.MethodPost, "/api/v1/events", "mgr-token",
		map[string]any{"venue": "MSG", "eventDate": "2026-05-01"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, events.created)
	assert.Equal(t, "MSG", events.created.Venue)
}

func TestEventGetNotFound(t *testing.T) {
	s := newTestServer(&stubEvents{getErr: database.ErrNotFound}, &stubSignups{})

	rec, resp := do(t, s, http.MethodGet, "/api/v1/events/missing", "amb-token", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestSignupEventRequiresEventID(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodPost, "/api/v1/signups/event", "amb-token",
		map[string]any{
			"ambassadorId":   "amb-1",
			"operatorId":     3,
			"customerEmail":  "a@b.test",
			"idempotencyKey": "key-1",
		})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error.Message, "eventId")
}

func TestSignupEventSubmit(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodPost, "/api/v1/signups/event", "amb-token",
		map[string]any{
			"eventId":        "ev-1",
			"ambassadorId":   "amb-1",
			"operatorId":     3,
			"customerEmail":  "a@b.test",
			"idempotencyKey": "key-1",
		})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)

	var su domain.SignUp
	require.NoError(t, json.Unmarshal(resp.Data, &su))
	assert.Equal(t, "a@b.test", su.CustomerEmail)
}

func TestPartnerRateLimitSurfaced(t *testing.T) {
	signups := &stubSignups{submitErr: &retry.HTTPError{
		StatusCode: 429,
		Status:     "Too Many Requests",
		RetryAfter: "30",
	}}
	s := newTestServer(&stubEvents{}, signups)

	rec, resp := do(t, s, http.MethodPost, "/api/v1/signups/event", "amb-token",
		map[string]any{
			"eventId":        "ev-1",
			"ambassadorId":   "amb-1",
			"operatorId":     3,
			"customerEmail":  "a@b.test",
			"idempotencyKey": "key-1",
		})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", resp.Error.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestExtractionSkipRoute(t *testing.T) {
	signups := &stubSignups{}
	s := newTestServer(&stubEvents{}, signups)

	rec, resp := do(t, s, http.MethodPost,
		"/api/v1/signups/extraction/su-9/extraction/skip", "mgr-token",
		map[string]any{"reason": "unreadable"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "su-9", signups.skippedID)
}

func TestSignupValidateAction(t *testing.T) {
	s := newTestServer(&stubEvents{}, &stubSignups{})

	rec, resp := do(t, s, http.MethodPatch, "/api/v1/signups/su-1/validate", "mgr-token",
		map[string]any{"action": "reject"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var su domain.SignUp
	require.NoError(t, json.Unmarshal(resp.Data, &su))
	assert.Equal(t, domain.ValidationRejected, su.ValidationStat)

	rec, resp = do(t, s, http.MethodPatch, "/api/v1/signups/su-1/validate", "mgr-token",
		map[string]any{"action": "nuke"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", resp.Error.Code)
}

func TestInternalErrorMasked(t *testing.T) {
	s := newTestServer(&stubEvents{getErr: errors.New("pq: relation does not exist")}, &stubSignups{})

	rec, resp := do(t, s, http.MethodGet, "/api/v1/events/ev-1", "amb-token", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", resp.Error.Message)
}

func TestWebsocketUpgradeWithMetrics(t *testing.T) {
	// The latency middleware wraps /ws too; its response writer must still
	// support hijacking or every upgrade fails.
	registry := realtime.NewRegistry()
	s := NewServer(Deps{
		Verifier: stubVerifier{},
		WS:       realtime.NewHandler(registry, nil),
		Metrics:  monitoring.New(),
	})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=adm-token"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
