// Package cardwise is the typed adapter for the expense-card partner.
// Pagination is cursor-style ({data, nextCursor?}); amounts are already in
// major units on the wire.
package cardwise

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldops/backend/internal/integrations"
	"github.com/fieldops/backend/internal/retry"
	"github.com/fieldops/backend/internal/vault"
)

// Provider is the vault credential key for this partner.
const Provider = "cardwise"

// DefaultPageSize caps one cursor page.
const DefaultPageSize = 200

// Client calls the expense partner API.
type Client struct {
	caller *integrations.Caller
	mapper Mapper
}

// New builds a client on the shared caller.
func New(baseURL string, v *vault.Vault) *Client {
	cfg := retry.DefaultConfig()
	return &Client{caller: integrations.NewCaller(Provider, baseURL, v, cfg)}
}

// CursorPage is one slice of a cursor-paginated collection. An empty
// NextCursor means the collection is exhausted.
type CursorPage[T any] struct {
	Items      []T
	NextCursor string
}

type transactionEnvelope struct {
	Data       []WireTransaction `json:"data"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type cardEnvelope struct {
	Data       []WireCard `json:"data"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type userEnvelope struct {
	Data       []WireUser `json:"data"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListTransactions fetches one page of transactions. Pass an empty cursor for
// the first page.
func (c *Client) ListTransactions(ctx context.Context, cursor string, limit int) (*CursorPage[Transaction], error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var env transactionEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v1/transactions", q, nil, &env); err != nil {
		return nil, err
	}
	page := &CursorPage[Transaction]{NextCursor: env.NextCursor}
	for _, w := range env.Data {
		txn, err := c.mapper.TransactionToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *txn)
	}
	return page, nil
}

// GetTransaction fetches one transaction by partner id.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var w WireTransaction
	if err := c.caller.Do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, nil, &w); err != nil {
		return nil, err
	}
	return c.mapper.TransactionToInternal(w)
}

// ListCards fetches one page of issued cards.
func (c *Client) ListCards(ctx context.Context, cursor string, limit int) (*CursorPage[Card], error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var env cardEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v1/cards", q, nil, &env); err != nil {
		return nil, err
	}
	page := &CursorPage[Card]{NextCursor: env.NextCursor}
	for _, w := range env.Data {
		card, err := c.mapper.CardToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *card)
	}
	return page, nil
}

// SuspendCard freezes a card.
func (c *Client) SuspendCard(ctx context.Context, cardID string) error {
	return c.caller.Do(ctx, http.MethodPost, "/v1/cards/"+url.PathEscape(cardID)+"/suspend", nil, nil, nil)
}

// UnsuspendCard reactivates a suspended card.
func (c *Client) UnsuspendCard(ctx context.Context, cardID string) error {
	return c.caller.Do(ctx, http.MethodPost, "/v1/cards/"+url.PathEscape(cardID)+"/unsuspend", nil, nil, nil)
}

// GetReceipt fetches receipt metadata for one transaction.
func (c *Client) GetReceipt(ctx context.Context, transactionID string) (*Receipt, error) {
	var w WireReceipt
	path := "/v1/transactions/" + url.PathEscape(transactionID) + "/receipt"
	if err := c.caller.Do(ctx, http.MethodGet, path, nil, nil, &w); err != nil {
		return nil, err
	}
	return c.mapper.ReceiptToInternal(w)
}

// ListUsers fetches one page of cardholder users.
func (c *Client) ListUsers(ctx context.Context, cursor string, limit int) (*CursorPage[User], error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var env userEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v1/users", q, nil, &env); err != nil {
		return nil, err
	}
	page := &CursorPage[User]{NextCursor: env.NextCursor}
	for _, w := range env.Data {
		u, err := c.mapper.UserToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *u)
	}
	return page, nil
}

// DepartmentSpend walks the full transaction collection for a date range and
// aggregates spend per department. The cursor loop runs to exhaustion; the
// partner offers no server-side aggregation.
func (c *Client) DepartmentSpend(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	spend := make(map[string]float64)
	cursor := ""
	for {
		q := url.Values{
			"limit":     {strconv.Itoa(DefaultPageSize)},
			"from_date": {from.Format("2006-01-02")},
			"to_date":   {to.Format("2006-01-02")},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var env transactionEnvelope
		if err := c.caller.Do(ctx, http.MethodGet, "/v1/transactions", q, nil, &env); err != nil {
			return nil, err
		}
		for _, w := range env.Data {
			txn, err := c.mapper.TransactionToInternal(w)
			if err != nil {
				continue // malformed records do not poison the aggregate
			}
			dept := txn.Department
			if dept == "" {
				dept = "unassigned"
			}
			spend[dept] += txn.Amount
		}
		if env.NextCursor == "" {
			return spend, nil
		}
		cursor = env.NextCursor
	}
}

// RefreshToken implements vault.Refresher against the partner token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*vault.TokenPair, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := integrations.PostJSON(ctx, c.caller.HTTPClient, c.caller.BaseURL+"/oauth/token", body, &resp); err != nil {
		return nil, err
	}
	return &vault.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:        resp.Scope,
	}, nil
}
