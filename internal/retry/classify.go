// Package retry classifies partner-call failures and executes retryable
// operations with exponential backoff. Callers get an explicit result shape
// instead of exception-style control flow.
package retry

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Category buckets a failure for retry decisions and HTTP surfacing.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryRateLimit      Category = "rate_limit"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategoryServerError    Category = "server_error"
	CategoryNetwork        Category = "network"
	CategoryUnknown        Category = "unknown"
)

// Classification is the typed verdict on one error.
type Classification struct {
	Category   Category
	Retryable  bool
	StatusCode int // 0 when no HTTP status was recoverable
}

// HTTPError carries an HTTP status through the adapter layer so
// classification does not have to rely on message parsing.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	RetryAfter string // raw Retry-After header, if the partner sent one
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return "http " + strconv.Itoa(e.StatusCode) + " " + e.Status + ": " + e.Body
	}
	return "http " + strconv.Itoa(e.StatusCode) + " " + e.Status
}

// PermanentError pins an error as non-retryable regardless of what the inner
// error would classify as. Used after the one-shot 401 refresh retry fails.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Classify reports it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

var statusRe = regexp.MustCompile(`\b([1-5]\d{2})\b`)

// platformCodes are OS-level failure strings that mark network errors.
var platformCodes = []string{
	"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "EPIPE", "EHOSTUNREACH",
	"ENETUNREACH", "EAI_AGAIN", "connection reset", "connection refused",
	"broken pipe", "no such host",
}

// phrasePatterns map known error phrases to categories, checked last.
var phrasePatterns = []struct {
	phrase   string
	category Category
}{
	{"rate limit", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"throttl", CategoryRateLimit},
	{"unauthorized", CategoryAuthentication},
	{"token expired", CategoryAuthentication},
	{"invalid token", CategoryAuthentication},
	{"forbidden", CategoryAuthorization},
	{"permission denied", CategoryAuthorization},
	{"not found", CategoryNotFound},
	{"validation", CategoryValidation},
	{"invalid request", CategoryValidation},
	{"bad request", CategoryValidation},
	{"service unavailable", CategoryServerError},
	{"internal server error", CategoryServerError},
	{"bad gateway", CategoryServerError},
	{"timeout", CategoryNetwork},
	{"timed out", CategoryNetwork},
	{"network", CategoryNetwork},
}

// Classify buckets err. Sources, in order: an explicit HTTPError status, an
// HTTP status embedded in the message, platform error codes, then phrase
// patterns. Anything unrecognized is unknown and not retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		c := Classify(perm.Err)
		c.Retryable = false
		return c
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fromStatus(httpErr.StatusCode)
	}

	msg := err.Error()
	if m := statusRe.FindString(msg); m != "" {
		status, _ := strconv.Atoi(m)
		return fromStatus(status)
	}

	lower := strings.ToLower(msg)
	for _, code := range platformCodes {
		if strings.Contains(msg, code) || strings.Contains(lower, code) {
			return Classification{Category: CategoryNetwork, Retryable: true}
		}
	}

	for _, p := range phrasePatterns {
		if strings.Contains(lower, p.phrase) {
			c := Classification{Category: p.category}
			c.Retryable = retryableCategory(p.category)
			return c
		}
	}

	return Classification{Category: CategoryUnknown}
}

func fromStatus(status int) Classification {
	c := Classification{StatusCode: status}
	switch {
	case status == 401:
		c.Category = CategoryAuthentication
		c.Retryable = true // one-shot, after a token refresh
	case status == 403:
		c.Category = CategoryAuthorization
	case status == 404:
		c.Category = CategoryNotFound
	case status == 408:
		c.Category = CategoryNetwork
		c.Retryable = true
	case status == 429:
		c.Category = CategoryRateLimit
		c.Retryable = true
	case status >= 400 && status < 500:
		c.Category = CategoryValidation
	case status >= 500:
		c.Category = CategoryServerError
		c.Retryable = true
	default:
		c.Category = CategoryUnknown
	}
	return c
}

func retryableCategory(cat Category) bool {
	switch cat {
	case CategoryRateLimit, CategoryServerError, CategoryNetwork, CategoryAuthentication:
		return true
	}
	return false
}
