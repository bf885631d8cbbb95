package api

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/fieldops/backend/internal/database"
)

// DBVerifier resolves bearer tokens against the api_tokens table. Tokens are
// stored as SHA-256 hex so a database dump never leaks a usable credential.
type DBVerifier struct {
	db *database.DB
}

func NewDBVerifier(db *database.DB) *DBVerifier {
	return &DBVerifier{db: db}
}

func (v *DBVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	sum := sha256.Sum256([]byte(token))
	var p Principal
	err := v.db.QueryRow(ctx, `
		SELECT user_id, role
		FROM api_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL`,
		hex.EncodeToString(sum[:])).Scan(&p.UserID, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("unknown token")
	}
	if err != nil {
		return nil, database.Classify(err)
	}
	return &p, nil
}
