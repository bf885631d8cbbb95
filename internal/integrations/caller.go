// Package integrations holds the shared plumbing every partner adapter sits
// on: an authenticated HTTP caller with one-shot 401 token refresh, a circuit
// breaker per partner, and classified backoff retry.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldops/backend/internal/retry"
	"github.com/fieldops/backend/internal/vault"
)

// Caller is embedded by each partner client.
type Caller struct {
	Provider   string
	BaseURL    string
	HTTPClient *http.Client
	Vault      *vault.Vault
	Breaker    *retry.Breaker
	RetryCfg   retry.Config
}

// NewCaller builds the shared call surface for one partner.
func NewCaller(provider, baseURL string, v *vault.Vault, cfg retry.Config) *Caller {
	return &Caller{
		Provider:   provider,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Vault:      v,
		Breaker:    retry.NewBreaker(retry.DefaultBreakerConfig(provider)),
		RetryCfg:   cfg,
	}
}

// BatchOutcome is the per-record result of a batch transform or apply; batch
// operations surface one of these per record instead of aborting on the
// first failure.
type BatchOutcome struct {
	Record any    `json:"record"`
	Error  string `json:"error,omitempty"`
}

// Do performs an authenticated JSON call: token from the vault, breaker gate,
// classified retry, and on a live 401 exactly one invalidate-and-refresh
// retry before bubbling out as permanent.
func (c *Caller) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	res := retry.WithRetry(ctx, c.RetryCfg, func(ctx context.Context) error {
		gen, err := c.Breaker.Allow()
		if err != nil {
			return err
		}
		err = c.attempt(ctx, method, path, query, body, out)
		c.Breaker.Record(gen, err == nil)
		return err
	})
	if !res.Success {
		return fmt.Errorf("%s %s %s failed after %d attempt(s): %w",
			c.Provider, method, path, res.Attempts, res.Err)
	}
	return nil
}

// attempt runs one request cycle, including the single 401 refresh retry.
func (c *Caller) attempt(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.Vault.EnsureValidToken(ctx, c.Provider)
	if err != nil {
		return retry.Permanent(err)
	}

	status, err := c.send(ctx, method, path, query, body, out, token)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	// Token was revoked under us. Invalidate, re-fetch, retry exactly once.
	if err := c.Vault.InvalidateAccess(ctx, c.Provider); err != nil {
		return retry.Permanent(err)
	}
	token, err = c.Vault.EnsureValidToken(ctx, c.Provider)
	if err != nil {
		return retry.Permanent(err)
	}
	status, err = c.send(ctx, method, path, query, body, out, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return retry.Permanent(&retry.HTTPError{StatusCode: 401, Status: "Unauthorized"})
	}
	return nil
}

// PostJSON issues a plain unauthenticated JSON POST. Token refresh endpoints
// use it because they cannot go through the vault-backed caller.
func PostJSON(ctx context.Context, client *http.Client, u string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(raw),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// send issues the request. A 401 is reported via the returned status so the
// caller can run the refresh dance; other non-2xx statuses return HTTPError.
func (c *Caller) send(ctx context.Context, method, path string, query url.Values, body, out any, token string) (int, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, retry.Permanent(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err // transport errors classify as network
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return http.StatusUnauthorized, nil
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(raw),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, retry.Permanent(fmt.Errorf("%s response decode: %w", c.Provider, err))
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
