package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/open115/restic-rest-gateway/internal/token"
)

// LoadToken reads the singleton token row (id=1). Returns a zero-value
// Token, not an error, when no row exists yet — the Token Manager's own
// boot-time seed (access_token/refresh_token config options) takes over.
func (s *Store) LoadToken(ctx context.Context) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, updated_at FROM tokens WHERE id = 1`)

	var (
		access, refresh string
		expiresAt, upd  sql.NullInt64
	)

	if err := row.Scan(&access, &refresh, &expiresAt, &upd); err != nil {
		if err == sql.ErrNoRows {
			return &token.Token{}, nil
		}

		return nil, fmt.Errorf("store: loading token: %w", err)
	}

	t := &token.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		UpdatedAt:    time.Unix(upd.Int64, 0),
	}

	if expiresAt.Valid {
		exp := time.Unix(expiresAt.Int64, 0)
		t.ExpiresAt = &exp
	}

	return t, nil
}

// SaveToken atomically replaces the singleton token row. Per D1's token
// invariant, this is called only once a refresh has fully succeeded — a
// refresh-in-progress never clears the stored pair.
func (s *Store) SaveToken(ctx context.Context, t *token.Token) error {
	var expiresAt sql.NullInt64
	if t.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: t.ExpiresAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, t.AccessToken, t.RefreshToken, expiresAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: saving token: %w", err)
	}

	return nil
}
