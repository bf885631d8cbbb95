package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
)

func (s *Server) handleBudgetActualsReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	report, err := s.finance.BudgetActualsReport(r.Context(), from, to)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, report)
}

// handleBudgetCreate is the collection-level variant of the per-event budget
// PUT; the body names the event.
func (s *Server) handleBudgetCreate(w http.ResponseWriter, r *http.Request) {
	var p budgetPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if p.EventID == "" {
		badRequest(w, "eventId is required")
		return
	}
	if _, err := s.events.Get(r.Context(), p.EventID); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	b, ok := p.build(w, p.EventID)
	if !ok {
		return
	}
	if err := s.finance.UpsertBudget(r.Context(), b); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusCreated, b)
}

func (s *Server) handleExpenseList(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	reconciledOnly := r.URL.Query().Get("reconciled") == "true"
	expenses, err := s.finance.Expenses(r.Context(), from, to, reconciledOnly)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, expenses)
}

func (s *Server) handleExpenseCreate(w http.ResponseWriter, r *http.Request) {
	var p struct {
		EventID  *string `json:"eventId"`
		Category string  `json:"category"`
		Amount   float64 `json:"amount"`
		Memo     string  `json:"memo"`
		SpentAt  string  `json:"spentAt"`
	}
	if !decodeBody(w, r, &p) {
		return
	}
	if p.Category == "" || p.Amount == 0 {
		badRequest(w, "category and a non-zero amount are required")
		return
	}
	spentAt := time.Now().UTC()
	if p.SpentAt != "" {
		t, err := time.Parse("2006-01-02", p.SpentAt)
		if err != nil {
			badRequest(w, "spentAt must be YYYY-MM-DD")
			return
		}
		spentAt = t
	}
	if p.EventID != nil {
		if _, err := s.events.Get(r.Context(), *p.EventID); err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
	}
	e := &domain.Expense{
		ID:         uuid.NewString(),
		EventID:    p.EventID,
		Category:   p.Category,
		Amount:     p.Amount,
		Memo:       p.Memo,
		SpentAt:    spentAt,
		Reconciled: p.EventID != nil,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.finance.InsertExpense(r.Context(), e); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusCreated, e)
}

func (s *Server) handleExpenseReconcile(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	matched, unmatched, err := s.finance.ReconcileExpenses(r.Context(), from, to)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"matched": matched, "unmatched": unmatched})
}

func (s *Server) handleRevenueCreate(w http.ResponseWriter, r *http.Request) {
	var p struct {
		EventID    *string `json:"eventId"`
		OperatorID *int64  `json:"operatorId"`
		Amount     float64 `json:"amount"`
		Source     string  `json:"source"`
		EarnedAt   string  `json:"earnedAt"`
	}
	if !decodeBody(w, r, &p) {
		return
	}
	switch p.Source {
	case "cpa", "bonus", "adjustment":
	default:
		badRequest(w, "source must be cpa, bonus or adjustment")
		return
	}
	if p.Amount == 0 {
		badRequest(w, "a non-zero amount is required")
		return
	}
	earnedAt := time.Now().UTC()
	if p.EarnedAt != "" {
		t, err := time.Parse("2006-01-02", p.EarnedAt)
		if err != nil {
			badRequest(w, "earnedAt must be YYYY-MM-DD")
			return
		}
		earnedAt = t
	}
	entry := &domain.RevenueEntry{
		ID:         uuid.NewString(),
		EventID:    p.EventID,
		OperatorID: p.OperatorID,
		Amount:     p.Amount,
		Source:     p.Source,
		EarnedAt:   earnedAt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.finance.InsertRevenue(r.Context(), entry); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusCreated, entry)
}

func (s *Server) handleRevenueSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	summary, err := s.finance.RevenueSummary(r.Context(), from, to)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	pnl, err := s.finance.ProfitAndLoss(r.Context(), from, to)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, pnl)
}

// ==== DASHBOARD ====

func (s *Server) handleDashboardSignups(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	summary, err := s.dash.SignupSummary(r.Context(), from, to)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (s *Server) handleDashboardSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.dash.SyncStatuses(r.Context())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, statuses)
}

func (s *Server) handleDashboardAlerts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dash.OpenAlertCounts(r.Context())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, counts)
}
