// Package crm pushes sign-up identities and enrichment data to the CRM
// partner. It is the fan-out target of the sign-up pipeline: each push is one
// leg with its own retry state tracked by the pipeline, not here.
package crm

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/integrations"
	"github.com/fieldops/backend/internal/retry"
	"github.com/fieldops/backend/internal/vault"
)

// Provider is the vault credential key for this partner.
const Provider = "crm"

// Client calls the CRM partner API.
type Client struct {
	caller *integrations.Caller
}

// New builds a client on the shared caller. CRM pushes are small and frequent
// so the retry budget is tighter than the bulk-sync partners.
func New(baseURL string, v *vault.Vault) *Client {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	return &Client{caller: integrations.NewCaller(Provider, baseURL, v, cfg)}
}

type identityPayload struct {
	Email      string  `json:"email"`
	Name       string  `json:"name,omitempty"`
	State      *string `json:"state,omitempty"`
	OperatorID int64   `json:"operatorId"`
	SignUpID   string  `json:"signupId"`
	CreatedAt  string  `json:"createdAt"`
}

type enrichmentPayload struct {
	SignUpID  string   `json:"signupId"`
	Email     string   `json:"email"`
	CpaAmount *float64 `json:"cpaAmount,omitempty"`
	BetAmount *float64 `json:"betAmount,omitempty"`
	TeamBetOn *string  `json:"teamBetOn,omitempty"`
	Odds      *string  `json:"odds,omitempty"`
	Validated bool     `json:"validated"`
}

// PushIdentity creates or updates the CRM profile for a freshly persisted
// sign-up. Identity pushes are keyed by email on the partner side.
func (c *Client) PushIdentity(ctx context.Context, s *domain.SignUp) error {
	p := identityPayload{
		Email:      s.CustomerEmail,
		Name:       s.CustomerName,
		State:      s.CustomerState,
		OperatorID: s.OperatorID,
		SignUpID:   s.ID,
		CreatedAt:  s.SubmittedAt.UTC().Format(time.RFC3339),
	}
	path := "/v1/customers/" + url.PathEscape(s.CustomerEmail)
	return c.caller.Do(ctx, http.MethodPut, path, nil, p, nil)
}

// PushEnrichment sends the post-validation attributes after extraction and
// rate resolution have run.
func (c *Client) PushEnrichment(ctx context.Context, s *domain.SignUp) error {
	p := enrichmentPayload{
		SignUpID:  s.ID,
		Email:     s.CustomerEmail,
		CpaAmount: s.CPAAmount,
		BetAmount: s.BetAmount,
		TeamBetOn: s.TeamBetOn,
		Odds:      s.Odds,
		Validated: s.ValidationStat == domain.ValidationValidated,
	}
	path := "/v1/customers/" + url.PathEscape(s.CustomerEmail) + "/attributes"
	return c.caller.Do(ctx, http.MethodPost, path, nil, p, nil)
}

// RefreshToken implements vault.Refresher. The CRM partner issues long-lived
// API tokens through the same OAuth refresh shape as the others.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*vault.TokenPair, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := integrations.PostJSON(ctx, c.caller.HTTPClient, c.caller.BaseURL+"/oauth/token", body, &resp); err != nil {
		return nil, err
	}
	return &vault.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}
