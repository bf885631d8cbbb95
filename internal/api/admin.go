package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/importer"
	"github.com/fieldops/backend/internal/kpi"
)

// ==== KPI THRESHOLDS ====

// thresholdPayload is the create/update body.
type thresholdPayload struct {
	KPIName           string   `json:"kpiName"`
	Category          string   `json:"category"`
	Condition         string   `json:"condition"`
	ThresholdValue    float64  `json:"thresholdValue"`
	WarningThreshold  *float64 `json:"warningThreshold"`
	CriticalThreshold *float64 `json:"criticalThreshold"`
	Aggregation       string   `json:"aggregation"`
	AggregationPeriod string   `json:"aggregationPeriod"`
	Severity          string   `json:"severity"`
	Enabled           bool     `json:"enabled"`
	CooldownMinutes   int      `json:"cooldownMinutes"`
	Channels          []string `json:"channels"`
	Recipients        []string `json:"recipients"`
	Reason            string   `json:"reason"`
}

func (p thresholdPayload) toInput() kpi.ThresholdInput {
	return kpi.ThresholdInput{
		KPIName:           p.KPIName,
		Category:          p.Category,
		Condition:         domain.ThresholdCondition(p.Condition),
		ThresholdValue:    p.ThresholdValue,
		WarningThreshold:  p.WarningThreshold,
		CriticalThreshold: p.CriticalThreshold,
		Aggregation:       domain.Aggregation(p.Aggregation),
		AggregationPeriod: p.AggregationPeriod,
		Severity:          domain.Severity(p.Severity),
		Enabled:           p.Enabled,
		CooldownMinutes:   p.CooldownMinutes,
		Channels:          p.Channels,
		Recipients:        p.Recipients,
	}
}

func (s *Server) handleThresholdList(w http.ResponseWriter, r *http.Request) {
	thresholds, err := s.kpi.ListThresholds(r.Context())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, thresholds)
}

func (s *Server) handleThresholdCreate(w http.ResponseWriter, r *http.Request) {
	var p thresholdPayload
	if !decodeBody(w, r, &p) {
		return
	}
	th, err := s.kpi.CreateThreshold(r.Context(), p.toInput(), principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusCreated, th)
}

// handleThresholdGet serves the current version, or the version in effect at
// ?at=RFC3339 for historical reads.
func (s *Server) handleThresholdGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if v := r.URL.Query().Get("at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "at must be RFC3339")
			return
		}
		th, err := s.kpi.GetThresholdAtTime(r.Context(), id, at)
		if err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
		writeData(w, http.StatusOK, th)
		return
	}
	th, err := s.kpi.GetThreshold(r.Context(), id)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, th)
}

func (s *Server) handleThresholdUpdate(w http.ResponseWriter, r *http.Request) {
	var p thresholdPayload
	if !decodeBody(w, r, &p) {
		return
	}
	th, err := s.kpi.UpdateThreshold(r.Context(), mux.Vars(r)["id"], p.toInput(),
		principalFrom(r.Context()).UserID, p.Reason)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, th)
}

func (s *Server) handleThresholdRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetVersion int    `json:"targetVersion"`
		Reason        string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TargetVersion < 1 {
		badRequest(w, "targetVersion must be a positive version number")
		return
	}
	th, err := s.kpi.RollbackThreshold(r.Context(), mux.Vars(r)["id"], body.TargetVersion,
		principalFrom(r.Context()).UserID, body.Reason)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, th)
}

// ==== KPI ALERTS ====

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	var status *domain.AlertStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := domain.AlertStatus(v)
		status = &st
	}
	alerts, err := s.kpi.ListAlerts(r.Context(), status)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.kpi.Acknowledge(r.Context(), mux.Vars(r)["id"], principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.kpi.Resolve(r.Context(), mux.Vars(r)["id"], principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (s *Server) handleAlertSnooze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Minutes int `json:"minutes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Minutes <= 0 {
		badRequest(w, "minutes must be positive")
		return
	}
	a, err := s.kpi.Snooze(r.Context(), mux.Vars(r)["id"], body.Minutes)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, a)
}

// ==== IMPORTS ====

// importPayload carries the raw CSV plus run options.
type importPayload struct {
	Kind        string `json:"kind"`
	Content     string `json:"content"`
	FileName    string `json:"fileName"`
	DefaultYear int    `json:"defaultYear"`
}

func (p importPayload) check(w http.ResponseWriter) (domain.ImportKind, bool) {
	kind := domain.ImportKind(p.Kind)
	switch kind {
	case domain.ImportKindEvents, domain.ImportKindSignups, domain.ImportKindBudget:
	default:
		badRequest(w, "kind must be events, signups or budget_actuals")
		return "", false
	}
	if p.Content == "" {
		badRequest(w, "content is required")
		return "", false
	}
	return kind, true
}

func (p importPayload) options() importer.Options {
	return importer.Options{DefaultYear: p.DefaultYear, FileName: p.FileName}
}

func (s *Server) handleImportList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.history.Imports(r.Context(), limit)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, logs)
}

// handleImportParse tokenizes and maps the header without touching storage.
func (s *Server) handleImportParse(w http.ResponseWriter, r *http.Request) {
	var p importPayload
	if !decodeBody(w, r, &p) {
		return
	}
	kind, ok := p.check(w)
	if !ok {
		return
	}
	preview, err := s.imports.Parse(kind, p.Content)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, preview)
}

// handleImportValidate runs the dry-run preview: duplicate and entity probes
// against live data, no writes.
func (s *Server) handleImportValidate(w http.ResponseWriter, r *http.Request) {
	var p importPayload
	if !decodeBody(w, r, &p) {
		return
	}
	kind, ok := p.check(w)
	if !ok {
		return
	}
	preview, err := s.imports.PreviewImport(r.Context(), kind, p.Content, p.options())
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeData(w, http.StatusOK, preview)
}

func (s *Server) handleImportExecute(w http.ResponseWriter, r *http.Request) {
	var p importPayload
	if !decodeBody(w, r, &p) {
		return
	}
	kind, ok := p.check(w)
	if !ok {
		return
	}
	log, err := s.imports.Execute(r.Context(), kind, p.Content, p.options(),
		principalFrom(r.Context()).UserID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusCreated, log)
}

func (s *Server) handleImportGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	log, err := s.history.GetLog(r.Context(), id)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	rows, err := s.history.RowDetails(r.Context(), id)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"import": log, "rows": rows})
}

// handleImportAction runs a control action against a run: cancel or rollback.
func (s *Server) handleImportAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	switch body.Action {
	case "cancel":
		s.imports.Cancel(id)
		writeData(w, http.StatusOK, map[string]any{"cancelled": true})
	case "rollback":
		deleted, err := s.imports.Rollback(r.Context(), id)
		if err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"rolledBack": true, "deletedRows": deleted})
	default:
		badRequest(w, "action must be cancel or rollback")
	}
}

func (s *Server) handleImportAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.history.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeData(w, http.StatusOK, trail)
}
