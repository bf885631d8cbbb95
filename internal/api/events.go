package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/roster"
)

// eventPayload is the create/update body.
type eventPayload struct {
	Title     string  `json:"title"`
	Venue     string  `json:"venue"`
	EventDate string  `json:"eventDate"`
	StartTime *string `json:"startTime"`
	EndTime   *string `json:"endTime"`
	Timezone  string  `json:"timezone"`
	City      string  `json:"city"`
	State     string  `json:"state"`
	EventType string  `json:"eventType"`
	Notes     string  `json:"notes"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason"`
}

func (p eventPayload) toInput(w http.ResponseWriter) (roster.Input, bool) {
	if p.Venue == "" {
		badRequest(w, "venue is required")
		return roster.Input{}, false
	}
	date, err := time.Parse("2006-01-02", p.EventDate)
	if err != nil {
		badRequest(w, "eventDate must be YYYY-MM-DD")
		return roster.Input{}, false
	}
	return roster.Input{
		Title:     p.Title,
		Venue:     p.Venue,
		EventDate: date,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Timezone:  p.Timezone,
		City:      p.City,
		State:     p.State,
		EventType: p.EventType,
		Notes:     p.Notes,
	}, true
}

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, limit := paging(r)
	f := roster.ListFilter{
		FromDate: &from,
		ToDate:   &to,
		Status:   domain.EventStatus(r.URL.Query().Get("status")),
		State:    r.URL.Query().Get("state"),
		Offset:   offset,
		Limit:    limit,
	}
	list, total, err := s.events.List(r.Context(), f)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writePaged(w, list, total, offset, limit)
}

func (s *Server) handleEventCreate(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if !decodeBody(w, r, &p) {
		return
	}
	in, ok := p.toInput(w)
	if !ok {
		return
	}
	ev, err := s.events.Create(r.Context(), in, principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusCreated, ev)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, ev)
}

func (s *Server) handleEventUpdate(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if !decodeBody(w, r, &p) {
		return
	}
	in, ok := p.toInput(w)
	if !ok {
		return
	}
	actor := principalFrom(r.Context()).UserID
	ev, err := s.events.Update(r.Context(), mux.Vars(r)["id"], in, domain.EventStatus(p.Status), actor, p.Reason)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, ev)
}

func (s *Server) handleEventDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.events.Delete(r.Context(), mux.Vars(r)["id"], principalFrom(r.Context()).UserID); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.events.StatusHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, history)
}

// duplicateDates parses the {dates: ["YYYY-MM-DD", ...]} body shared by the
// duplicate operations.
func duplicateDates(w http.ResponseWriter, raw []string) ([]time.Time, bool) {
	if len(raw) == 0 {
		badRequest(w, "at least one date is required")
		return nil, false
	}
	out := make([]time.Time, 0, len(raw))
	for _, v := range raw {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			badRequest(w, "dates must be YYYY-MM-DD: "+v)
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

func (s *Server) handleEventDuplicate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date string `json:"date"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dates, ok := duplicateDates(w, []string{body.Date})
	if !ok {
		return
	}
	ev, err := s.events.Duplicate(r.Context(), mux.Vars(r)["id"], dates[0], principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusCreated, ev)
}

func (s *Server) handleEventDuplicateBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dates []string `json:"dates"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dates, ok := duplicateDates(w, body.Dates)
	if !ok {
		return
	}
	outcomes, err := s.events.DuplicateBulk(r.Context(), mux.Vars(r)["id"], dates, principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, outcomes)
}

func (s *Server) handleEventDuplicatePreview(w http.ResponseWriter, r *http.Request) {
	dates, ok := duplicateDates(w, r.URL.Query()["date"])
	if !ok {
		return
	}
	entries, err := s.events.DuplicatePreview(r.Context(), mux.Vars(r)["id"], dates)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, entries)
}

// ==== BUDGET ====

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	budget, actual, err := s.finance.Budgets(r.Context(), eventID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"budget": budget, "actual": actual})
}

// budgetPayload carries one budget or actuals row.
type budgetPayload struct {
	EventID string           `json:"eventId"`
	Kind    string           `json:"kind"`
	Items   domain.LineItems `json:"items"`
	Revenue float64          `json:"revenue"`
}

func (p budgetPayload) build(w http.ResponseWriter, eventID string) (*domain.EventBudget, bool) {
	kind := domain.BudgetKind(p.Kind)
	if kind != domain.BudgetProjected && kind != domain.BudgetActual {
		badRequest(w, "kind must be budget or actual")
		return nil, false
	}
	b := &domain.EventBudget{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Kind:      kind,
		Items:     p.Items,
		Revenue:   p.Revenue,
		UpdatedAt: time.Now().UTC(),
	}
	b.Recalculate()
	return b, true
}

func (s *Server) handleBudgetPut(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	var p budgetPayload
	if !decodeBody(w, r, &p) {
		return
	}
	b, ok := p.build(w, eventID)
	if !ok {
		return
	}
	if err := s.finance.UpsertBudget(r.Context(), b); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, b)
}
