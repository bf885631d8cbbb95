// Package api is the HTTP surface: bearer auth, role gates, input
// validation, and the /api/v1 routes over the domain services. Every
// response is the {success, data?, meta?, error?} envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldops/backend/internal/dashboard"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/finance"
	"github.com/fieldops/backend/internal/importer"
	"github.com/fieldops/backend/internal/kpi"
	"github.com/fieldops/backend/internal/monitoring"
	"github.com/fieldops/backend/internal/realtime"
	"github.com/fieldops/backend/internal/roster"
	"github.com/fieldops/backend/internal/signup"
)

// EventService is the roster surface the handlers need.
type EventService interface {
	Create(ctx context.Context, in roster.Input, actor string) (*domain.Event, error)
	Get(ctx context.Context, id string) (*domain.Event, error)
	List(ctx context.Context, f roster.ListFilter) ([]*domain.Event, int, error)
	Update(ctx context.Context, id string, in roster.Input, newStatus domain.EventStatus, actor, reason string) (*domain.Event, error)
	Delete(ctx context.Context, id string, actor string) error
	StatusHistory(ctx context.Context, id string) ([]*domain.EventStatusChange, error)
	Duplicate(ctx context.Context, id string, newDate time.Time, actor string) (*domain.Event, error)
	DuplicateBulk(ctx context.Context, id string, dates []time.Time, actor string) ([]roster.BulkOutcome, error)
	DuplicatePreview(ctx context.Context, id string, dates []time.Time) ([]roster.PreviewEntry, error)
}

// SignupService is the pipeline surface.
type SignupService interface {
	SubmitEventSignup(ctx context.Context, sub signup.Submission) (*domain.SignUp, error)
	SubmitSoloSignup(ctx context.Context, sub signup.Submission) (*domain.SignUp, error)
	CreateDirect(ctx context.Context, sub signup.Submission) (*domain.SignUp, error)
	Get(ctx context.Context, id string) (*domain.SignUp, error)
	Validate(ctx context.Context, signupID, actor string) (*domain.SignUp, error)
	Reject(ctx context.Context, signupID, actor string) (*domain.SignUp, error)
	CheckDuplicate(ctx context.Context, email string, operatorID int64) (bool, error)
	ReviewQueue(ctx context.Context) ([]*domain.SignUp, error)
	ConfirmExtraction(ctx context.Context, signupID string, corrections *domain.ExtractionResult) (*domain.SignUp, error)
	SkipExtraction(ctx context.Context, signupID, reason string) (*domain.SignUp, error)
	SyncFailures(ctx context.Context) ([]*domain.SyncFailure, error)
	RetryFailedSync(ctx context.Context, failureID string) error
}

// SignupLister is the paged admin listing, separate from the pipeline.
type SignupLister interface {
	List(ctx context.Context, f signup.ListFilter) ([]*domain.SignUp, int, error)
}

// FinanceStore is the finance surface.
type FinanceStore interface {
	Budgets(ctx context.Context, eventID string) (budget, actual *domain.EventBudget, err error)
	UpsertBudget(ctx context.Context, b *domain.EventBudget) error
	BudgetActualsReport(ctx context.Context, from, to time.Time) ([]*finance.BudgetActualPair, error)
	InsertExpense(ctx context.Context, e *domain.Expense) error
	Expenses(ctx context.Context, from, to time.Time, reconciledOnly bool) ([]*domain.Expense, error)
	ReconcileExpenses(ctx context.Context, from, to time.Time) (matched, unmatched int, err error)
	InsertRevenue(ctx context.Context, r *domain.RevenueEntry) error
	RevenueSummary(ctx context.Context, from, to time.Time) (*finance.RevenueSummary, error)
	ProfitAndLoss(ctx context.Context, from, to time.Time) (*finance.PnL, error)
}

// DashboardStore serves the aggregate read models.
type DashboardStore interface {
	SignupSummary(ctx context.Context, from, to time.Time) (*dashboard.SignupSummary, error)
	SyncStatuses(ctx context.Context) ([]*dashboard.SyncStatus, error)
	OpenAlertCounts(ctx context.Context) (map[string]int, error)
}

// KPIService is the threshold/alert surface.
type KPIService interface {
	CreateThreshold(ctx context.Context, in kpi.ThresholdInput, actor string) (*domain.KPIThreshold, error)
	UpdateThreshold(ctx context.Context, id string, in kpi.ThresholdInput, actor, reason string) (*domain.KPIThreshold, error)
	GetThreshold(ctx context.Context, id string) (*domain.KPIThreshold, error)
	GetThresholdAtTime(ctx context.Context, id string, at time.Time) (*domain.KPIThreshold, error)
	RollbackThreshold(ctx context.Context, id string, targetVersion int, actor, reason string) (*domain.KPIThreshold, error)
	ListThresholds(ctx context.Context) ([]*domain.KPIThreshold, error)
	ListAlerts(ctx context.Context, status *domain.AlertStatus) ([]*domain.KPIAlert, error)
	Acknowledge(ctx context.Context, alertID, actor string) (*domain.KPIAlert, error)
	Resolve(ctx context.Context, alertID, actor string) (*domain.KPIAlert, error)
	Snooze(ctx context.Context, alertID string, minutes int) (*domain.KPIAlert, error)
}

// ImportService runs and manages bulk imports.
type ImportService interface {
	Execute(ctx context.Context, kind domain.ImportKind, content string, opts importer.Options, startedBy string) (*domain.ImportLog, error)
	Parse(kind domain.ImportKind, content string) (*importer.Preview, error)
	PreviewImport(ctx context.Context, kind domain.ImportKind, content string, opts importer.Options) (*importer.Preview, error)
	Rollback(ctx context.Context, importID string) (int, error)
	Cancel(importID string)
}

// ImportReads is the import history read side.
type ImportReads interface {
	GetLog(ctx context.Context, id string) (*domain.ImportLog, error)
	RowDetails(ctx context.Context, importID string) ([]*domain.ImportRowDetail, error)
	AuditTrail(ctx context.Context, importID string) ([]*domain.ImportAuditEntry, error)
	Imports(ctx context.Context, limit int) ([]*domain.ImportLog, error)
}

// EventLog serves the replay-backed audit reads.
type EventLog interface {
	ReadLog(ctx context.Context, fromTimestamp time.Time, eventTypes []string, limit int) ([]*events.DomainEvent, error)
}

// Server wires the handlers. Any nil dependency disables its routes.
type Server struct {
	verifier Verifier
	events   EventService
	signups  SignupService
	lister   SignupLister
	finance  FinanceStore
	dash     DashboardStore
	kpi      KPIService
	imports  ImportService
	history  ImportReads
	eventLog EventLog
	ws       *realtime.Handler
	metrics  *monitoring.Metrics
	logger   *slog.Logger
}

// Deps is the constructor bundle for Server.
type Deps struct {
	Verifier Verifier
	Events   EventService
	Signups  SignupService
	Lister   SignupLister
	Finance  FinanceStore
	Dash     DashboardStore
	KPI      KPIService
	Imports  ImportService
	History  ImportReads
	EventLog EventLog
	WS       *realtime.Handler
	Metrics  *monitoring.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		verifier: d.Verifier,
		events:   d.Events,
		signups:  d.Signups,
		lister:   d.Lister,
		finance:  d.Finance,
		dash:     d.Dash,
		kpi:      d.KPI,
		imports:  d.Imports,
		history:  d.History,
		eventLog: d.EventLog,
		ws:       d.WS,
		metrics:  d.Metrics,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate)
	if s.metrics != nil {
		v1.Use(s.instrument)
	}

	// Events
	v1.HandleFunc("/events", s.requireRole(roleManager, s.handleEventList)).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.requireRole(roleManager, s.handleEventCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}", s.requireRole(roleAmbassador, s.handleEventGet)).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}", s.requireRole(roleManager, s.handleEventUpdate)).Methods(http.MethodPut)
	v1.HandleFunc("/events/{id}", s.requireRole(roleManager, s.handleEventDelete)).Methods(http.MethodDelete)
	v1.HandleFunc("/events/{id}/history", s.requireRole(roleManager, s.handleEventHistory)).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/duplicate", s.requireRole(roleManager, s.handleEventDuplicate)).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/duplicate/bulk", s.requireRole(roleManager, s.handleEventDuplicateBulk)).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/duplicate/preview", s.requireRole(roleManager, s.handleEventDuplicatePreview)).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/budget", s.requireRole(roleManager, s.handleBudgetGet)).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/budget", s.requireRole(roleManager, s.handleBudgetPut)).Methods(http.MethodPut)

	// Sign-ups; specific prefixes before the {id} routes.
	v1.HandleFunc("/signups/extraction/review-queue", s.requireRole(roleManager, s.handleReviewQueue)).Methods(http.MethodGet)
	v1.HandleFunc("/signups/extraction/{id}/extraction/confirm", s.requireRole(roleManager, s.handleExtractionConfirm)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/extraction/{id}/extraction/skip", s.requireRole(roleManager, s.handleExtractionSkip)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/customerio/sync-failures", s.requireRole(roleManager, s.handleSyncFailures)).Methods(http.MethodGet)
	v1.HandleFunc("/signups/customerio/{id}/retry", s.requireRole(roleManager, s.handleSyncRetry)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/check-duplicate", s.requireRole(roleAmbassador, s.handleCheckDuplicate)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/event", s.requireRole(roleAmbassador, s.handleSignupEvent)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/solo", s.requireRole(roleAmbassador, s.handleSignupSolo)).Methods(http.MethodPost)
	v1.HandleFunc("/signups", s.requireRole(roleManager, s.handleSignupList)).Methods(http.MethodGet)
	v1.HandleFunc("/signups", s.requireRole(roleManager, s.handleSignupCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/signups/{id}", s.requireRole(roleAmbassador, s.handleSignupGet)).Methods(http.MethodGet)
	v1.HandleFunc("/signups/{id}/validate", s.requireRole(roleManager, s.handleSignupValidate)).Methods(http.MethodPatch)
	v1.HandleFunc("/signups/{id}/audit", s.requireRole(roleManager, s.handleSignupAudit)).Methods(http.MethodGet)

	// Financial
	v1.HandleFunc("/financial/budget-actuals-report", s.requireRole(roleManager, s.handleBudgetActualsReport)).Methods(http.MethodGet)
	v1.HandleFunc("/financial/budgets", s.requireRole(roleManager, s.handleBudgetCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/financial/expenses", s.requireRole(roleManager, s.handleExpenseList)).Methods(http.MethodGet)
	v1.HandleFunc("/financial/expenses", s.requireRole(roleManager, s.handleExpenseCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/financial/expenses/reconcile", s.requireRole(roleManager, s.handleExpenseReconcile)).Methods(http.MethodPost)
	v1.HandleFunc("/financial/revenue", s.requireRole(roleManager, s.handleRevenueCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/financial/revenue/summary", s.requireRole(roleManager, s.handleRevenueSummary)).Methods(http.MethodGet)
	v1.HandleFunc("/financial/pnl", s.requireRole(roleManager, s.handlePnL)).Methods(http.MethodGet)

	// Dashboard
	v1.HandleFunc("/dashboard/signups", s.requireRole(roleAmbassador, s.handleDashboardSignups)).Methods(http.MethodGet)
	v1.HandleFunc("/dashboard/sync-status", s.requireRole(roleManager, s.handleDashboardSyncStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/dashboard/alerts", s.requireRole(roleManager, s.handleDashboardAlerts)).Methods(http.MethodGet)

	// KPI
	v1.HandleFunc("/kpi/thresholds", s.requireRole(roleManager, s.handleThresholdList)).Methods(http.MethodGet)
	v1.HandleFunc("/kpi/thresholds", s.requireRole(roleAdmin, s.handleThresholdCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/kpi/thresholds/{id}", s.requireRole(roleManager, s.handleThresholdGet)).Methods(http.MethodGet)
	v1.HandleFunc("/kpi/thresholds/{id}", s.requireRole(roleAdmin, s.handleThresholdUpdate)).Methods(http.MethodPut)
	v1.HandleFunc("/kpi/thresholds/{id}/rollback", s.requireRole(roleAdmin, s.handleThresholdRollback)).Methods(http.MethodPost)
	v1.HandleFunc("/kpi/alerts", s.requireRole(roleManager, s.handleAlertList)).Methods(http.MethodGet)
	v1.HandleFunc("/kpi/alerts/{id}/acknowledge", s.requireRole(roleManager, s.handleAlertAcknowledge)).Methods(http.MethodPost)
	v1.HandleFunc("/kpi/alerts/{id}/resolve", s.requireRole(roleManager, s.handleAlertResolve)).Methods(http.MethodPost)
	v1.HandleFunc("/kpi/alerts/{id}/snooze", s.requireRole(roleManager, s.handleAlertSnooze)).Methods(http.MethodPost)

	// Admin imports
	v1.HandleFunc("/admin/imports", s.requireRole(roleAdmin, s.handleImportList)).Methods(http.MethodGet)
	v1.HandleFunc("/admin/imports/parse", s.requireRole(roleAdmin, s.handleImportParse)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/imports/validate", s.requireRole(roleAdmin, s.handleImportValidate)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/imports/reconcile", s.requireRole(roleAdmin, s.handleImportValidate)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/imports/execute", s.requireRole(roleAdmin, s.handleImportExecute)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/imports/{id}", s.requireRole(roleAdmin, s.handleImportGet)).Methods(http.MethodGet)
	v1.HandleFunc("/admin/imports/{id}", s.requireRole(roleAdmin, s.handleImportAction)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/imports/{id}/audit-trail", s.requireRole(roleAdmin, s.handleImportAuditTrail)).Methods(http.MethodGet)

	// Realtime
	v1.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeErr(w, http.StatusNotFound, "not_found", "realtime is not enabled")
		return
	}
	p := principalFrom(r.Context())
	s.ws.ServeWS(w, r, p.UserID, p.Role)
}
