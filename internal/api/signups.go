package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/signup"
)

// signupPayload is the intake body shared by the submit endpoints.
type signupPayload struct {
	EventID        *string `json:"eventId"`
	SoloChatID     *string `json:"soloChatId"`
	AmbassadorID   string  `json:"ambassadorId"`
	OperatorID     int64   `json:"operatorId"`
	CustomerEmail  string  `json:"customerEmail"`
	CustomerName   string  `json:"customerName"`
	CustomerState  *string `json:"customerState"`
	IdempotencyKey string  `json:"idempotencyKey"`
	ImageKey       *string `json:"imageKey"`
}

func (p signupPayload) toSubmission(w http.ResponseWriter) (signup.Submission, bool) {
	switch {
	case p.IdempotencyKey == "":
		badRequest(w, "idempotencyKey is required")
	case p.CustomerEmail == "":
		badRequest(w, "customerEmail is required")
	case p.OperatorID == 0:
		badRequest(w, "operatorId is required")
	case p.AmbassadorID == "":
		badRequest(w, "ambassadorId is required")
	case p.CustomerState != nil && len(*p.CustomerState) != 2:
		badRequest(w, "customerState must be a 2-letter code")
	default:
		return signup.Submission{
			EventID:        p.EventID,
			SoloChatID:     p.SoloChatID,
			AmbassadorID:   p.AmbassadorID,
			OperatorID:     p.OperatorID,
			CustomerEmail:  p.CustomerEmail,
			CustomerName:   p.CustomerName,
			CustomerState:  p.CustomerState,
			IdempotencyKey: p.IdempotencyKey,
			ImageKey:       p.ImageKey,
		}, true
	}
	return signup.Submission{}, false
}

func (s *Server) submitWith(w http.ResponseWriter, r *http.Request,
	submit func(r *http.Request, sub signup.Submission) (*domain.SignUp, error)) {
	var p signupPayload
	if !decodeBody(w, r, &p) {
		return
	}
	sub, ok := p.toSubmission(w)
	if !ok {
		return
	}
	su, err := submit(r, sub)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusCreated, su)
}

func (s *Server) handleSignupEvent(w http.ResponseWriter, r *http.Request) {
	var p signupPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if p.EventID == nil || *p.EventID == "" {
		badRequest(w, "eventId is required")
		return
	}
	sub, ok := p.toSubmission(w)
	if !ok {
		return
	}
	su, err := s.signups.SubmitEventSignup(r.Context(), sub)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusCreated, su)
}

func (s *Server) handleSignupSolo(w http.ResponseWriter, r *http.Request) {
	s.submitWith(w, r, func(r *http.Request, sub signup.Submission) (*domain.SignUp, error) {
		return s.signups.SubmitSoloSignup(r.Context(), sub)
	})
}

func (s *Server) handleSignupCreate(w http.ResponseWriter, r *http.Request) {
	s.submitWith(w, r, func(r *http.Request, sub signup.Submission) (*domain.SignUp, error) {
		return s.signups.CreateDirect(r.Context(), sub)
	})
}

func (s *Server) handleSignupList(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, limit := paging(r)
	f := signup.ListFilter{
		FromDate:     &from,
		ToDate:       &to,
		Status:       domain.ValidationStatus(r.URL.Query().Get("status")),
		AmbassadorID: r.URL.Query().Get("ambassadorId"),
		EventID:      r.URL.Query().Get("eventId"),
		Offset:       offset,
		Limit:        limit,
	}
	if v := r.URL.Query().Get("operatorId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "operatorId must be numeric")
			return
		}
		f.OperatorID = &id
	}
	list, total, err := s.lister.List(r.Context(), f)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writePaged(w, list, total, offset, limit)
}

func (s *Server) handleSignupGet(w http.ResponseWriter, r *http.Request) {
	su, err := s.signups.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, su)
}

func (s *Server) handleSignupValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"` // validate | reject
	}
	if !decodeBody(w, r, &body) {
		return
	}
	actor := principalFrom(r.Context()).UserID
	var (
		su  *domain.SignUp
		err error
	)
	switch body.Action {
	case "", "validate":
		su, err = s.signups.Validate(r.Context(), mux.Vars(r)["id"], actor)
	case "reject":
		su, err = s.signups.Reject(r.Context(), mux.Vars(r)["id"], actor)
	default:
		badRequest(w, "action must be validate or reject")
		return
	}
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, su)
}

func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerEmail string `json:"customerEmail"`
		OperatorID    int64  `json:"operatorId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CustomerEmail == "" || body.OperatorID == 0 {
		badRequest(w, "customerEmail and operatorId are required")
		return
	}
	dup, err := s.signups.CheckDuplicate(r.Context(), body.CustomerEmail, body.OperatorID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"duplicate": dup})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.signups.ReviewQueue(r.Context())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, queue)
}

func (s *Server) handleExtractionConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BetAmount *float64 `json:"betAmount"`
		TeamBetOn *string  `json:"teamBetOn"`
		Odds      *string  `json:"odds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var corrections *domain.ExtractionResult
	if body.BetAmount != nil || body.TeamBetOn != nil || body.Odds != nil {
		corrections = &domain.ExtractionResult{
			BetAmount: body.BetAmount,
			TeamBetOn: body.TeamBetOn,
			Odds:      body.Odds,
		}
	}
	su, err := s.signups.ConfirmExtraction(r.Context(), mux.Vars(r)["id"], corrections)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, su)
}

func (s *Server) handleExtractionSkip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	su, err := s.signups.SkipExtraction(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, su)
}

func (s *Server) handleSyncFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.signups.SyncFailures(r.Context())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, failures)
}

func (s *Server) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.signups.RetryFailedSync(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"retried": true})
}

// handleSignupAudit serves the durable event log entries mentioning the
// sign-up, oldest first.
func (s *Server) handleSignupAudit(w http.ResponseWriter, r *http.Request) {
	signupID := mux.Vars(r)["id"]
	if _, err := s.signups.Get(r.Context(), signupID); err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	logged, err := s.eventLog.ReadLog(r.Context(), time.Time{}, nil, 0)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	var out []any
	for _, e := range logged {
		if e.PayloadString("signupId") == signupID {
			out = append(out, e)
		}
	}
	writeData(w, http.StatusOK, out)
}
