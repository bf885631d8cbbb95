package importer

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

// memBackend is the in-memory Backend used by the runner tests.
type memBackend struct {
	ambassadors []*domain.Ambassador
	operators   []*domain.Operator
	rates       []*domain.CpaRate

	logs       map[string]*domain.ImportLog
	rowDetails []*domain.ImportRowDetail
	auditRows  []*domain.ImportAuditEntry

	events   []*domain.Event
	signups  []*domain.SignUp
	budgets  map[string]*domain.EventBudget // keyed event_id/kind
	attribs  []*domain.CpaAttribution
	applyErr error
}

func newMemBackend() *memBackend {
	return &memBackend{
		ambassadors: []*domain.Ambassador{
			{ID: "amb-1", FirstName: "Jane", LastName: "Doe", Email: "jane@fieldops.test", IsActive: true},
			{ID: "amb-2", FirstName: "Bob", LastName: "Lee", Email: "bob@fieldops.test", IsActive: true},
		},
		operators: []*domain.Operator{
			{ID: 3, DisplayName: "BetRiver Sportsbook", ShortName: "BR", IsActive: true},
			{ID: 7, DisplayName: "WagerWorks", ShortName: "WW", IsActive: true},
		},
		logs:    map[string]*domain.ImportLog{},
		budgets: map[string]*domain.EventBudget{},
	}
}

func (m *memBackend) Ambassadors(ctx context.Context) ([]*domain.Ambassador, error) {
	return m.ambassadors, nil
}
func (m *memBackend) Operators(ctx context.Context) ([]*domain.Operator, error) {
	return m.operators, nil
}

func (m *memBackend) InsertLog(ctx context.Context, l *domain.ImportLog) error {
	cp := *l
	m.logs[l.ID] = &cp
	return nil
}
func (m *memBackend) UpdateLog(ctx context.Context, l *domain.ImportLog) error {
	cp := *l
	m.logs[l.ID] = &cp
	return nil
}
func (m *memBackend) GetLog(ctx context.Context, id string) (*domain.ImportLog, error) {
	l, ok := m.logs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *l
	return &cp, nil
}
func (m *memBackend) InsertRowDetail(ctx context.Context, d *domain.ImportRowDetail) error {
	m.rowDetails = append(m.rowDetails, d)
	return nil
}
func (m *memBackend) InsertAudit(ctx context.Context, a *domain.ImportAuditEntry) error {
	m.auditRows = append(m.auditRows, a)
	return nil
}
func (m *memBackend) AuditTrail(ctx context.Context, importID string) ([]*domain.ImportAuditEntry, error) {
	var out []*domain.ImportAuditEntry
	for _, a := range m.auditRows {
		if a.ImportID == importID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (m *memBackend) SetLogStatus(ctx context.Context, id string, status domain.ImportStatus) error {
	l, ok := m.logs[id]
	if !ok {
		return database.ErrNotFound
	}
	l.Status = status
	return nil
}

func (m *memBackend) SignupExists(ctx context.Context, emailLower string, operatorID int64, date time.Time) (bool, error) {
	for _, s := range m.signups {
		if s.CustomerEmail == emailLower && s.OperatorID == operatorID &&
			s.SubmittedAt.Truncate(24*time.Hour).Equal(date.Truncate(24*time.Hour)) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackend) FindEvent(ctx context.Context, date time.Time, venue string) (string, bool, error) {
	lower := strings.ToLower(venue)
	for _, ev := range m.events {
		stored := strings.ToLower(ev.Venue)
		if ev.EventDate.Equal(date) &&
			(strings.HasPrefix(stored, lower) || strings.HasPrefix(lower, stored)) {
			return ev.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *memBackend) RateFor(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error) {
	var best *domain.CpaRate
	for _, r := range m.rates {
		if r.OperatorID != operatorID || r.StateCode != state || !r.IsActive {
			continue
		}
		if r.EffectiveDate.After(at) {
			continue
		}
		if r.EndDate != nil && r.EndDate.Before(at) {
			continue
		}
		if best == nil || r.EffectiveDate.After(best.EffectiveDate) {
			best = r
		}
	}
	return best, nil
}

func (m *memBackend) ApplyEvent(ctx context.Context, importID string, ev *domain.Event, ambassadorIDs []string) (bool, error) {
	if m.applyErr != nil {
		return false, m.applyErr
	}
	m.events = append(m.events, ev)
	return true, nil
}
func (m *memBackend) ApplySignup(ctx context.Context, importID string, s *domain.SignUp, attribution *domain.CpaAttribution) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.signups = append(m.signups, s)
	if attribution != nil {
		m.attribs = append(m.attribs, attribution)
	}
	return nil
}
func (m *memBackend) ApplyBudget(ctx context.Context, importID string, eventID string, b *domain.EventBudget) (bool, error) {
	if m.applyErr != nil {
		return false, m.applyErr
	}
	key := eventID + "/" + string(b.Kind)
	_, existed := m.budgets[key]
	m.budgets[key] = b
	return !existed, nil
}

func (m *memBackend) RollbackBatch(ctx context.Context, importID string) (int, error) {
	n := 0
	var keptSignups []*domain.SignUp
	for _, s := range m.signups {
		if s.ImportBatchID != nil && *s.ImportBatchID == importID {
			n++
			continue
		}
		keptSignups = append(keptSignups, s)
	}
	m.signups = keptSignups
	var keptEvents []*domain.Event
	for _, ev := range m.events {
		if ev.ImportBatchID != nil && *ev.ImportBatchID == importID {
			n++
			continue
		}
		keptEvents = append(keptEvents, ev)
	}
	m.events = keptEvents
	return n, nil
}

// ==== RESOLVER ====

func TestResolverAmbassadorMatching(t *testing.T) {
	b := newMemBackend()
	res, err := newResolver(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "amb-1", res.ambassador("jane@fieldops.test").ID)
	assert.Equal(t, "amb-1", res.ambassador("Jane Doe").ID)
	assert.Equal(t, "amb-2", res.ambassador("bob").ID)
	assert.Equal(t, "amb-1", res.ambassador("Ja Do").ID) // prefix fallback
	assert.Nil(t, res.ambassador("Nobody Here"))
	assert.Nil(t, res.ambassador(""))
}

func TestResolverOperatorMatching(t *testing.T) {
	b := newMemBackend()
	res, err := newResolver(context.Background(), b)
	require.NoError(t, err)

	assert.EqualValues(t, 3, res.operator("3").ID)
	assert.EqualValues(t, 3, res.operator("BetRiver").ID)
	assert.EqualValues(t, 7, res.operator("ww").ID)
	assert.Nil(t, res.operator("99"))
	assert.Nil(t, res.operator("Unknown Book"))
}

// ==== SIGN-UP IMPORT ====

const signupCSV = `Date,Ambassador,Customer Email,Customer Name,Operator,State
01/15/2025,Jane Doe,ALICE@Example.com,Alice A,BetRiver,NJ
01/15/2025,Bob Lee,bob.c@example.com,Bob C,WagerWorks,PA
01/16/2025,Nobody Here,carol@example.com,Carol D,BetRiver,NJ
`

func TestSignupImportFlow(t *testing.T) {
	b := newMemBackend()
	b.rates = []*domain.CpaRate{{
		ID: "rate-1", OperatorID: 3, StateCode: "NJ", CPAAmount: 125,
		EffectiveDate: day(2025, time.January, 1), IsActive: true,
	}}
	r := NewRunner(b)

	l, err := r.Execute(context.Background(), domain.ImportKindSignups, signupCSV, Options{FileName: "signups.csv"}, "ops@fieldops.test")
	require.NoError(t, err)

	assert.Equal(t, domain.ImportPartial, l.Status) // one unresolved ambassador
	assert.Equal(t, 3, l.TotalRows)
	assert.Equal(t, 2, l.ProcessedRows)
	assert.Equal(t, 1, l.ErrorRows)
	require.Len(t, l.Errors, 1)
	assert.Contains(t, l.Errors[0], "Nobody Here")

	require.Len(t, b.signups, 2)
	first := b.signups[0]
	assert.Equal(t, "alice@example.com", first.CustomerEmail)
	assert.Equal(t, domain.ValidationValidated, first.ValidationStat)
	require.NotNil(t, first.CPAAmount)
	assert.Equal(t, 125.0, *first.CPAAmount)
	require.Len(t, b.attribs, 1)
	assert.Equal(t, "rate-1", b.attribs[0].RateID)

	// Row details carry file line numbers past the header.
	require.Len(t, b.rowDetails, 3)
	assert.Equal(t, 2, b.rowDetails[0].LineNo)
	assert.Equal(t, domain.RowError, b.rowDetails[2].Status)
}

func TestSignupImportDedup(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)

	_, err := r.Execute(context.Background(), domain.ImportKindSignups, signupCSV, Options{}, "ops")
	require.NoError(t, err)
	l, err := r.Execute(context.Background(), domain.ImportKindSignups, signupCSV, Options{}, "ops")
	require.NoError(t, err)

	assert.Equal(t, 2, l.SkippedDuplicates)
	assert.Equal(t, 0, l.ProcessedRows)
	assert.Len(t, b.signups, 2)
}

// ==== EVENT IMPORT ====

const eventCSV = `Date,Venue,City,State,Ambassadors
03/08/2025,MSG - Main Concourse,New York,NY,Jane Doe; Bob Lee
03/09/2025,Barclays Center,Brooklyn,NY,Jane Doe; Ghost Person
`

func TestEventImportFlow(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)

	l, err := r.Execute(context.Background(), domain.ImportKindEvents, eventCSV, Options{}, "ops")
	require.NoError(t, err)

	assert.Equal(t, domain.ImportCompleted, l.Status)
	assert.Equal(t, 2, l.ProcessedRows)
	assert.Equal(t, 2, l.CreatedEntities)
	// Unknown ambassador downgrades to a warning, not a row error.
	require.Len(t, l.Warnings, 1)
	assert.Contains(t, l.Warnings[0], "Ghost Person")

	require.Len(t, b.events, 2)
	assert.Equal(t, domain.EventCompleted, b.events[0].Status)
	assert.Equal(t, "NY", b.events[0].State)
}

func TestEventImportPrefixDedup(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)
	_, err := r.Execute(context.Background(), domain.ImportKindEvents, eventCSV, Options{}, "ops")
	require.NoError(t, err)

	// Shortened venue name on the same date still matches.
	l, err := r.Execute(context.Background(), domain.ImportKindEvents,
		"Date,Venue,City,State,Ambassadors\n03/08/2025,MSG,New York,NY,Jane Doe\n", Options{}, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, l.SkippedDuplicates)
	assert.Len(t, b.events, 2)
}

// ==== BUDGET IMPORT ====

func TestBudgetImportFlow(t *testing.T) {
	b := newMemBackend()
	b.events = []*domain.Event{{
		ID: "ev-1", Venue: "MSG - Main Concourse",
		EventDate: day(2025, time.March, 8),
	}}
	r := NewRunner(b)

	csv := "Type,Date,Event,Staff,Reimbursements,Rewards,Base,Bonus,Parking,Setup,Revenue\n" +
		"Budget,03/08/2025,MSG,\"$1,000\",200,300,500,0,50,100,\"$4,000\"\n" +
		"Actual,03/08/2025,MSG,\"$1,100\",($50),300,500,0,50,100,\"$3,800\"\n"
	l, err := r.Execute(context.Background(), domain.ImportKindBudget, csv, Options{}, "ops")
	require.NoError(t, err)

	assert.Equal(t, domain.ImportCompleted, l.Status)
	assert.Equal(t, 2, l.ProcessedRows)
	require.Len(t, b.budgets, 2)

	budget := b.budgets["ev-1/budget"]
	require.NotNil(t, budget)
	assert.Equal(t, 2150.0, budget.Total)
	assert.Equal(t, 1850.0, budget.Profit)

	actual := b.budgets["ev-1/actual"]
	require.NotNil(t, actual)
	assert.Equal(t, 2000.0, actual.Total) // parenthesized reimbursement is negative
	assert.True(t, actual.Consistent())
}

func TestBudgetImportUnmatchedEvent(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)

	csv := "Type,Date,Event,Staff\nBudget,03/08/2025,Nowhere Arena,100\n"
	l, err := r.Execute(context.Background(), domain.ImportKindBudget, csv, Options{}, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportFailed, l.Status)
	assert.Equal(t, 1, l.ErrorRows)
	assert.Contains(t, l.Errors[0], "Nowhere Arena")
}

// ==== CANCELLATION / ROLLBACK / PREVIEW ====

func TestCancelBeforeRows(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)

	// Flag is keyed by import id, which is random; emulate a cancel that
	// lands before the first row by cancelling from inside InsertRowDetail.
	b2 := &cancellingBackend{memBackend: b, runner: nil, after: 1}
	r = NewRunner(b2)
	b2.runner = r

	l, err := r.Execute(context.Background(), domain.ImportKindSignups, signupCSV, Options{}, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportCancelled, l.Status)
	assert.Equal(t, 1, l.ProcessedRows)
	assert.Len(t, b.signups, 1)
}

type cancellingBackend struct {
	*memBackend
	runner *Runner
	after  int
	seen   int
}

func (c *cancellingBackend) InsertRowDetail(ctx context.Context, d *domain.ImportRowDetail) error {
	c.seen++
	if c.seen == c.after {
		c.runner.Cancel(d.ImportID)
	}
	return c.memBackend.InsertRowDetail(ctx, d)
}

func TestRollbackIdempotent(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)

	l, err := r.Execute(context.Background(), domain.ImportKindEvents, eventCSV, Options{}, "ops")
	require.NoError(t, err)
	require.Len(t, b.events, 2)

	n, err := r.Rollback(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, b.events)
	assert.Equal(t, domain.ImportRolledBack, b.logs[l.ID].Status)

	n, err = r.Rollback(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPreviewWritesNothing(t *testing.T) {
	b := newMemBackend()
	r := NewRunner(b)
	_, err := r.Execute(context.Background(), domain.ImportKindSignups, signupCSV, Options{}, "ops")
	require.NoError(t, err)
	before := len(b.signups)

	p, err := r.PreviewImport(context.Background(), domain.ImportKindSignups, signupCSV, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalRows)
	assert.Equal(t, 2, p.WouldBeDuplicates)
	assert.Equal(t, 1, p.UnresolvedEntities)
	assert.Len(t, p.SampleRows, 3)

	assert.Len(t, b.signups, before)
	assert.Len(t, b.logs, 1) // only the execute run logged anything
}
