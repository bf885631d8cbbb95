// Package ledgerbooks is the typed adapter for the accounting partner.
// Pagination is offset-style (startPosition/maxResults with a total count);
// monetary fields travel in minor units on the wire, converted exactly once
// in the mapper.
package ledgerbooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldops/backend/internal/integrations"
	"github.com/fieldops/backend/internal/retry"
	"github.com/fieldops/backend/internal/vault"
)

// Provider is the vault credential key for this partner.
const Provider = "ledgerbooks"

// DefaultPageSize is the partner's documented maxResults ceiling.
const DefaultPageSize = 100

// Client calls the accounting partner API.
type Client struct {
	caller *integrations.Caller
	mapper Mapper
}

// New builds a client on the shared caller with partner-appropriate retry.
func New(baseURL string, v *vault.Vault) *Client {
	cfg := retry.DefaultConfig()
	return &Client{caller: integrations.NewCaller(Provider, baseURL, v, cfg)}
}

// Page is one offset-paginated slice of results.
type Page[T any] struct {
	Items         []T
	StartPosition int
	TotalCount    int
}

// HasMore reports whether another page exists after this one.
func (p Page[T]) HasMore() bool {
	return p.StartPosition-1+len(p.Items) < p.TotalCount
}

type invoiceEnvelope struct {
	Invoices   []WireInvoice `json:"invoices"`
	TotalCount int           `json:"totalCount"`
}

type customerEnvelope struct {
	Customers  []WireCustomer `json:"customers"`
	TotalCount int            `json:"totalCount"`
}

type paymentEnvelope struct {
	Payments   []WirePayment `json:"payments"`
	TotalCount int           `json:"totalCount"`
}

// ListInvoices fetches one page of invoices starting at startPosition (1-based).
func (c *Client) ListInvoices(ctx context.Context, startPosition, maxResults int) (*Page[Invoice], error) {
	if maxResults <= 0 || maxResults > DefaultPageSize {
		maxResults = DefaultPageSize
	}
	q := url.Values{
		"startPosition": {strconv.Itoa(startPosition)},
		"maxResults":    {strconv.Itoa(maxResults)},
	}
	var env invoiceEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/invoices", q, nil, &env); err != nil {
		return nil, err
	}

	page := &Page[Invoice]{StartPosition: startPosition, TotalCount: env.TotalCount}
	for _, w := range env.Invoices {
		inv, err := c.mapper.InvoiceToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *inv)
	}
	return page, nil
}

// GetInvoice fetches one invoice by partner id.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var w WireInvoice
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/invoices/"+url.PathEscape(id), nil, nil, &w); err != nil {
		return nil, err
	}
	return c.mapper.InvoiceToInternal(w)
}

// CreateInvoice pushes a new invoice and returns the stored copy.
func (c *Client) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	w, err := c.mapper.InvoiceToExternal(inv)
	if err != nil {
		return nil, err
	}
	var stored WireInvoice
	if err := c.caller.Do(ctx, http.MethodPost, "/v3/invoices", nil, w, &stored); err != nil {
		return nil, err
	}
	return c.mapper.InvoiceToInternal(stored)
}

// UpdateInvoice replaces an existing invoice.
func (c *Client) UpdateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.ExternalID == "" {
		return nil, fmt.Errorf("ledgerbooks: update requires external id")
	}
	w, err := c.mapper.InvoiceToExternal(inv)
	if err != nil {
		return nil, err
	}
	var stored WireInvoice
	if err := c.caller.Do(ctx, http.MethodPut, "/v3/invoices/"+url.PathEscape(inv.ExternalID), nil, w, &stored); err != nil {
		return nil, err
	}
	return c.mapper.InvoiceToInternal(stored)
}

// DeleteInvoice removes an invoice.
func (c *Client) DeleteInvoice(ctx context.Context, id string) error {
	return c.caller.Do(ctx, http.MethodDelete, "/v3/invoices/"+url.PathEscape(id), nil, nil, nil)
}

// ListCustomers fetches one page of customers.
func (c *Client) ListCustomers(ctx context.Context, startPosition, maxResults int) (*Page[Customer], error) {
	if maxResults <= 0 || maxResults > DefaultPageSize {
		maxResults = DefaultPageSize
	}
	q := url.Values{
		"startPosition": {strconv.Itoa(startPosition)},
		"maxResults":    {strconv.Itoa(maxResults)},
	}
	var env customerEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/customers", q, nil, &env); err != nil {
		return nil, err
	}
	page := &Page[Customer]{StartPosition: startPosition, TotalCount: env.TotalCount}
	for _, w := range env.Customers {
		cust, err := c.mapper.CustomerToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *cust)
	}
	return page, nil
}

// CreateCustomer pushes a new customer.
func (c *Client) CreateCustomer(ctx context.Context, cust Customer) (*Customer, error) {
	w, err := c.mapper.CustomerToExternal(cust)
	if err != nil {
		return nil, err
	}
	var stored WireCustomer
	if err := c.caller.Do(ctx, http.MethodPost, "/v3/customers", nil, w, &stored); err != nil {
		return nil, err
	}
	return c.mapper.CustomerToInternal(stored)
}

// ListPayments fetches one page of payments.
func (c *Client) ListPayments(ctx context.Context, startPosition, maxResults int) (*Page[Payment], error) {
	if maxResults <= 0 || maxResults > DefaultPageSize {
		maxResults = DefaultPageSize
	}
	q := url.Values{
		"startPosition": {strconv.Itoa(startPosition)},
		"maxResults":    {strconv.Itoa(maxResults)},
	}
	var env paymentEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/payments", q, nil, &env); err != nil {
		return nil, err
	}
	page := &Page[Payment]{StartPosition: startPosition, TotalCount: env.TotalCount}
	for _, w := range env.Payments {
		p, err := c.mapper.PaymentToInternal(w)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *p)
	}
	return page, nil
}

// ProfitAndLoss pulls the P&L report for an inclusive date range.
func (c *Client) ProfitAndLoss(ctx context.Context, from, to time.Time) (*Report, error) {
	q := url.Values{
		"start_date": {from.Format("2006-01-02")},
		"end_date":   {to.Format("2006-01-02")},
	}
	var w WireReport
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/reports/ProfitAndLoss", q, nil, &w); err != nil {
		return nil, err
	}
	return c.mapper.ReportToInternal(w)
}

// BalanceSheet pulls the balance sheet as of a date.
func (c *Client) BalanceSheet(ctx context.Context, asOf time.Time) (*Report, error) {
	q := url.Values{"as_of": {asOf.Format("2006-01-02")}}
	var w WireReport
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/reports/BalanceSheet", q, nil, &w); err != nil {
		return nil, err
	}
	return c.mapper.ReportToInternal(w)
}

// TotalInvoiceCount asks the partner for the collection size, used by the
// sync orchestrator to seed totalRecords.
func (c *Client) TotalInvoiceCount(ctx context.Context) (int, error) {
	q := url.Values{"startPosition": {"1"}, "maxResults": {"1"}}
	var env invoiceEnvelope
	if err := c.caller.Do(ctx, http.MethodGet, "/v3/invoices", q, nil, &env); err != nil {
		return 0, err
	}
	return env.TotalCount, nil
}

// RefreshToken implements vault.Refresher: exchanges the refresh token for a
// fresh pair at the partner token endpoint. Refresh runs unauthenticated, so
// it bypasses the shared caller.
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
	if err := integrations.PostJSON(ctx, c.caller.HTTPClient, c.caller.BaseURL+"/oauth2/token", body, &resp); err != nil {
		return nil, err
	}
	return &vault.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:        resp.Scope,
	}, nil
}
