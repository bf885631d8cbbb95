// Package importer implements the bulk CSV importers for historical events,
// sign-ups, and budget/actuals, sharing one skeleton: hash and log, parse,
// detect headers, normalize, resolve entities, dedup, apply transactionally,
// audit, finalize.
package importer

import (
	"fmt"
	"sort"
	"strings"
)

// parseCSV tokenizes raw CSV content. Double quotes open a quoted field;
// a doubled quote inside one is a literal quote. Blank lines are skipped.
// The exported importers feed files from the admin surface through here, so
// the tokenizer is deliberately forgiving: a dangling quote at EOF closes
// the field instead of failing the whole file.
func parseCSV(content string) [][]string {
	var (
		rows    [][]string
		row     []string
		field   strings.Builder
		quoted  bool
		hasData bool
	)

	flushField := func() {
		row = append(row, field.String())
		field.Reset()
	}
	flushRow := func() {
		flushField()
		if hasData {
			rows = append(rows, row)
		}
		row = nil
		hasData = false
	}

	runes := []rune(strings.ReplaceAll(content, "\r\n", "\n"))
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quoted:
			if c == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					field.WriteRune('"') // escaped quote
					i++
					continue
				}
				quoted = false
				continue
			}
			field.WriteRune(c)
			hasData = true
		case c == '"':
			quoted = true
		case c == ',':
			flushField()
		case c == '\n' || c == '\r':
			if hasData || field.Len() > 0 || len(row) > 0 {
				flushRow()
			}
		default:
			field.WriteRune(c)
			if !isSpace(c) {
				hasData = true
			}
		}
	}
	if hasData || field.Len() > 0 || len(row) > 0 {
		flushRow()
	}
	return rows
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t'
}

// detectHeader scans the first maxHeaderScan rows for one containing at
// least minKeywordHits of the expected keywords (case-insensitive,
// substring). Returns the column-index map and the header row index, or
// (nil, -1) when no header was found.
const (
	maxHeaderScan  = 10
	minKeywordHits = 3
)

func detectHeader(rows [][]string, keywords map[string][]string) (map[string]int, int) {
	limit := len(rows)
	if limit > maxHeaderScan {
		limit = maxHeaderScan
	}
	for i := 0; i < limit; i++ {
		mapping := matchHeaderRow(rows[i], keywords)
		if len(mapping) >= minKeywordHits {
			return mapping, i
		}
	}
	return nil, -1
}

func matchHeaderRow(row []string, keywords map[string][]string) map[string]int {
	// Fields are probed in sorted order so assignment is deterministic when a
	// cell matches several aliases ("customer email" hits both customer_email
	// and customer_name); each field and each column binds at most once.
	fields := make([]string, 0, len(keywords))
	for field := range keywords {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	mapping := map[string]int{}
	for col, cell := range row {
		lower := strings.ToLower(strings.TrimSpace(cell))
		if lower == "" {
			continue
		}
		for _, field := range fields {
			if _, taken := mapping[field]; taken {
				continue
			}
			matched := false
			for _, alias := range keywords[field] {
				if strings.Contains(lower, alias) {
					mapping[field] = col
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
	}
	return mapping
}

// cell returns the mapped column for field, or "" when the row is short or
// the field is unmapped.
func cell(row []string, mapping map[string]int, field string) string {
	col, ok := mapping[field]
	if !ok || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// rawLine reconstructs a row for row-detail storage, quoting only when
// needed.
func rawLine(row []string) string {
	parts := make([]string, len(row))
	for i, f := range row {
		if strings.ContainsAny(f, ",\"\n") {
			parts[i] = fmt.Sprintf("%q", f)
		} else {
			parts[i] = f
		}
	}
	return strings.Join(parts, ",")
}
