package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/retry"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Meta    *meta    `json:"meta,omitempty"`
	Error   *errBody `json:"error,omitempty"`
}

type meta struct {
	Total  int `json:"total"`
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writePaged(w http.ResponseWriter, data any, total, offset, limit int) {
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Meta:    &meta{Total: total, Offset: offset, Limit: limit},
	})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &errBody{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeErr(w, http.StatusBadRequest, "validation_error", message)
}

// fail maps service errors onto the envelope. Storage sentinels and partner
// classifications take precedence; anything else gets the handler's fallback
// status (400 for state-machine surfaces, 500 for infrastructure ones).
func fail(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, database.ErrConflict):
		writeErr(w, http.StatusConflict, "conflict", err.Error())
		return
	}

	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		switch retry.Classify(err).Category {
		case retry.CategoryRateLimit:
			if httpErr.RetryAfter != "" {
				w.Header().Set("Retry-After", httpErr.RetryAfter)
			}
			writeErr(w, http.StatusTooManyRequests, "rate_limited", err.Error())
			return
		case retry.CategoryAuthentication:
			writeErr(w, http.StatusUnauthorized, "upstream_authentication", err.Error())
			return
		default:
			writeErr(w, http.StatusInternalServerError, "upstream_error", "partner call failed")
			return
		}
	}

	code := "internal_error"
	if fallback == http.StatusBadRequest {
		code = "validation_error"
	}
	msg := err.Error()
	if fallback >= http.StatusInternalServerError {
		// Never ship internals to the client.
		msg = "internal error"
	}
	writeErr(w, fallback, code, msg)
}

// decodeBody parses a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// dateRange parses the fromDate/toDate query filters, defaulting to the
// trailing 30 days. toDate is inclusive through end of day.
func dateRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30).Truncate(24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("fromDate"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return from, to, errors.New("fromDate must be YYYY-MM-DD")
		}
		from = t
	}
	if v := r.URL.Query().Get("toDate"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return from, to, errors.New("toDate must be YYYY-MM-DD")
		}
		to = t.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

// paging parses {offset, limit} with bounds.
func paging(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	// {page, limit} is accepted as an alias for offset paging.
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 1 {
			offset = (page - 1) * limit
		}
	}
	return offset, limit
}
