// Package vault stores partner OAuth credentials encrypted at rest and hands
// out access tokens, refreshing them before expiry. A provider's credential
// row is serialized by an advisory lock during refresh so two nodes never
// race a refresh against the same refresh token.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/retry"
)

const lockNamespace = "credential_refresh"

// DefaultRefreshSkew: refresh when less than this much lifetime remains.
const DefaultRefreshSkew = 5 * time.Minute

var (
	// ErrCredentialExpired means the refresh token is dead and an operator
	// must rebind the integration before calls can resume.
	ErrCredentialExpired = errors.New("vault: credential requires re-authorization")

	// ErrNoCredential means the provider was never bound.
	ErrNoCredential = errors.New("vault: no credential for provider")
)

// TokenPair is the plaintext result of an OAuth refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Refresher performs the token-refresh half of the OAuth dance for one
// provider. Implemented by each integration client.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// Vault is the credential store. Key material is passed in explicitly; pass
// two keys during a rotation cutover.
type Vault struct {
	db         *database.DB
	sealer     *sealer
	skew       time.Duration
	refreshers map[string]Refresher
}

// New creates a vault with the given AEAD keys (primary first).
func New(db *database.DB, skew time.Duration, keys ...[]byte) (*Vault, error) {
	s, err := newSealer(keys...)
	if err != nil {
		return nil, err
	}
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &Vault{
		db:         db,
		sealer:     s,
		skew:       skew,
		refreshers: make(map[string]Refresher),
	}, nil
}

// RegisterRefresher binds the refresh implementation for a provider.
func (v *Vault) RegisterRefresher(provider string, r Refresher) {
	v.refreshers[provider] = r
}

// Bind stores (or replaces) a provider credential and clears any
// requires_reauth latch. Used at initial authorization and operator rebind.
func (v *Vault) Bind(ctx context.Context, provider string, pair TokenPair) error {
	accessEnc, err := v.sealer.Seal([]byte(pair.AccessToken))
	if err != nil {
		return err
	}
	refreshEnc, err := v.sealer.Seal([]byte(pair.RefreshToken))
	if err != nil {
		return err
	}

	_, err = v.db.Exec(ctx, `
		INSERT INTO integration_credentials
			(provider, access_token_enc, refresh_token_enc, expires_at, scope, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (provider) DO UPDATE SET
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			status = EXCLUDED.status,
			updated_at = now()`,
		provider, accessEnc, refreshEnc, pair.ExpiresAt.UTC(), pair.Scope, domain.CredentialActive)
	return err
}

// EnsureValidToken returns a non-expired access token for provider,
// refreshing first when less than the configured skew remains.
func (v *Vault) EnsureValidToken(ctx context.Context, provider string) (string, error) {
	cred, err := v.load(ctx, v.db.Conn(), provider)
	if err != nil {
		return "", err
	}
	if cred.Status == domain.CredentialRequiresReauth {
		return "", ErrCredentialExpired
	}

	if time.Until(cred.ExpiresAt) > v.skew {
		plain, err := v.sealer.Open(cred.AccessTokenEnc)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	}

	return v.refreshUnderLock(ctx, provider)
}

// InvalidateAccess force-expires the cached access token so the next
// EnsureValidToken refreshes. Called by clients after a live 401.
func (v *Vault) InvalidateAccess(ctx context.Context, provider string) error {
	_, err := v.db.Exec(ctx,
		`UPDATE integration_credentials SET expires_at = now(), updated_at = now() WHERE provider = $1`,
		provider)
	return err
}

// refreshUnderLock acquires the provider advisory lock, re-reads the row (a
// peer may have refreshed while we waited), and performs the refresh with the
// new tokens and expires_at persisted in the same transaction.
func (v *Vault) refreshUnderLock(ctx context.Context, provider string) (string, error) {
	var token string
	err := v.db.AdvisoryLock(ctx, lockNamespace, provider, func(tx *sql.Tx) error {
		cred, err := v.load(ctx, tx, provider)
		if err != nil {
			return err
		}
		if cred.Status == domain.CredentialRequiresReauth {
			return ErrCredentialExpired
		}

		// A peer holding the lock before us may already have refreshed.
		if time.Until(cred.ExpiresAt) > v.skew {
			plain, err := v.sealer.Open(cred.AccessTokenEnc)
			if err != nil {
				return err
			}
			token = string(plain)
			return nil
		}

		refresher, ok := v.refreshers[provider]
		if !ok {
			return fmt.Errorf("vault: no refresher registered for %s", provider)
		}

		refreshPlain, err := v.sealer.Open(cred.RefreshTokenEnc)
		if err != nil {
			return err
		}

		pair, err := refresher.RefreshToken(ctx, string(refreshPlain))
		if err != nil {
			if retry.Classify(err).Category == retry.CategoryAuthentication {
				slog.Warn("credential refresh rejected, marking requires_reauth",
					"provider", provider)
				if _, uerr := tx.ExecContext(ctx,
					`UPDATE integration_credentials SET status = $2, updated_at = now() WHERE provider = $1`,
					provider, domain.CredentialRequiresReauth); uerr != nil {
					return uerr
				}
				return ErrCredentialExpired
			}
			return fmt.Errorf("vault: refresh failed for %s: %w", provider, err)
		}

		accessEnc, err := v.sealer.Seal([]byte(pair.AccessToken))
		if err != nil {
			return err
		}
		newRefresh := pair.RefreshToken
		if newRefresh == "" {
			newRefresh = string(refreshPlain) // provider did not rotate it
		}
		refreshEnc, err := v.sealer.Seal([]byte(newRefresh))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE integration_credentials SET
				access_token_enc = $2,
				refresh_token_enc = $3,
				expires_at = $4,
				scope = $5,
				updated_at = now()
			WHERE provider = $1`,
			provider, accessEnc, refreshEnc, pair.ExpiresAt.UTC(), pair.Scope); err != nil {
			return database.Classify(err)
		}

		slog.Info("credential refreshed", "provider", provider,
			"expires_at", pair.ExpiresAt.UTC().Format(time.RFC3339))
		token = pair.AccessToken
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (v *Vault) load(ctx context.Context, q database.Querier, provider string) (*domain.IntegrationCredential, error) {
	cred := &domain.IntegrationCredential{Provider: provider}
	var scope sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT access_token_enc, refresh_token_enc, expires_at, scope, status, updated_at
		FROM integration_credentials WHERE provider = $1`,
		provider).Scan(&cred.AccessTokenEnc, &cred.RefreshTokenEnc, &cred.ExpiresAt,
		&scope, &cred.Status, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, database.Classify(err)
	}
	cred.Scope = scope.String
	return cred, nil
}
