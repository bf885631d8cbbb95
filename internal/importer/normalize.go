package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// twoDigitYearPivot splits two-digit years: above it means 1900s.
const twoDigitYearPivot = 50

// nullTokens are spreadsheet artifacts that mean "no value".
var nullTokens = map[string]bool{
	"":        true,
	"-":       true,
	"n/a":     true,
	"na":      true,
	"#div/0!": true,
	"#ref!":   true,
	"null":    true,
}

func isNullToken(s string) bool {
	return nullTokens[strings.ToLower(strings.TrimSpace(s))]
}

// parseDate accepts YYYY-MM-DD, MM/DD/YYYY, MM/DD/YY (pivot 50), and MM/DD
// with the caller-supplied default year. Returns nil for null tokens.
func parseDate(s string, defaultYear int) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if isNullToken(s) {
		return nil, nil
	}

	if t, err := time.Parse("2006-01-02", s); err == nil {
		t = t.UTC()
		return &t, nil
	}

	parts := strings.Split(s, "/")
	switch len(parts) {
	case 3:
		month, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		day, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		yearStr := strings.TrimSpace(parts[2])
		year, err3 := strconv.Atoi(yearStr)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("unparseable date %q", s)
		}
		if len(yearStr) <= 2 {
			if year > twoDigitYearPivot {
				year += 1900
			} else {
				year += 2000
			}
		}
		return buildDate(year, month, day, s)
	case 2:
		if defaultYear == 0 {
			return nil, fmt.Errorf("date %q has no year and no default year was given", s)
		}
		month, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		day, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("unparseable date %q", s)
		}
		return buildDate(defaultYear, month, day, s)
	}
	return nil, fmt.Errorf("unparseable date %q", s)
}

func buildDate(year, month, day int, orig string) (*time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil, fmt.Errorf("date %q out of range", orig)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t, nil
}

// parseCurrency strips $ and thousands separators. Null tokens yield nil.
// Parenthesized values are negative, the spreadsheet way.
func parseCurrency(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if isNullToken(s) {
		return nil, nil
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable amount %q", s)
	}
	if negative {
		v = -v
	}
	return &v, nil
}

// parsePercent strips a trailing % sign. Null tokens yield nil.
func parsePercent(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if isNullToken(s) {
		return nil, nil
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable percentage %q", s)
	}
	return &v, nil
}

// parseInt is parseCurrency's integer sibling for count columns.
func parseInt(s string) (*int, error) {
	f, err := parseCurrency(s)
	if err != nil || f == nil {
		return nil, err
	}
	n := int(*f)
	return &n, nil
}

// normalizeEmail applies the same canonical form the intake pipeline uses.
func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ambassadorSeparators in probe order; the first one present wins.
var ambassadorSeparators = []string{";", ",", "|", "\n"}

// splitAmbassadors splits a free-form list cell on the first separator found.
func splitAmbassadors(s string) []string {
	s = strings.TrimSpace(s)
	if isNullToken(s) {
		return nil
	}
	sep := ""
	for _, candidate := range ambassadorSeparators {
		if strings.Contains(s, candidate) {
			sep = candidate
			break
		}
	}
	if sep == "" {
		return []string{s}
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
