package importer

import (
	"context"
	"strconv"
	"strings"

	"github.com/fieldops/backend/internal/domain"
)

// Directory answers the lookups entity resolution needs. The Postgres
// implementation lives in store.go; tests use a fixture map.
type Directory interface {
	Ambassadors(ctx context.Context) ([]*domain.Ambassador, error)
	Operators(ctx context.Context) ([]*domain.Operator, error)
}

// resolver caches the directory once per run and matches names against it.
// Import files are small enough that in-memory matching beats per-row SQL.
type resolver struct {
	ambassadors []*domain.Ambassador
	operators   []*domain.Operator
}

func newResolver(ctx context.Context, dir Directory) (*resolver, error) {
	ambassadors, err := dir.Ambassadors(ctx)
	if err != nil {
		return nil, err
	}
	operators, err := dir.Operators(ctx)
	if err != nil {
		return nil, err
	}
	return &resolver{ambassadors: ambassadors, operators: operators}, nil
}

// ambassador resolves a free-form cell. Email match takes precedence, then
// case-insensitive full name, then first/last, then a two-token fallback
// where both tokens must prefix-match the name parts.
func (r *resolver) ambassador(raw string) *domain.Ambassador {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)

	if strings.Contains(lower, "@") {
		for _, a := range r.ambassadors {
			if strings.ToLower(a.Email) == lower {
				return a
			}
		}
		return nil
	}

	for _, a := range r.ambassadors {
		if strings.ToLower(a.FullName()) == lower {
			return a
		}
	}
	for _, a := range r.ambassadors {
		if strings.ToLower(a.FirstName) == lower || strings.ToLower(a.LastName) == lower {
			return a
		}
	}

	tokens := strings.Fields(lower)
	if len(tokens) == 2 {
		for _, a := range r.ambassadors {
			first := strings.ToLower(a.FirstName)
			last := strings.ToLower(a.LastName)
			if strings.HasPrefix(first, tokens[0]) && strings.HasPrefix(last, tokens[1]) {
				return a
			}
		}
	}
	return nil
}

// operator resolves a cell that is either a numeric id or a partner name.
// Name matching is substring on the display name with a short-name fallback.
func (r *resolver) operator(raw string) *domain.Operator {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		for _, op := range r.operators {
			if op.ID == id {
				return op
			}
		}
		return nil
	}

	lower := strings.ToLower(raw)
	for _, op := range r.operators {
		if strings.Contains(strings.ToLower(op.DisplayName), lower) {
			return op
		}
	}
	for _, op := range r.operators {
		if strings.EqualFold(op.ShortName, raw) {
			return op
		}
	}
	return nil
}
