package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentgw/internal/domain"
)

func (s *Store) SaveToken(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO tokens (token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, query, t.TokenID, t.AgentID, t.PayloadHash, t.IssuedAt, t.ExpiresAt, t.IsRevoked); err != nil {
		return fmt.Errorf("postgres: save token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*domain.Token, error) {
	query := `
		SELECT token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked
		FROM tokens WHERE token_id = $1`

	var t domain.Token
	err := s.pool.QueryRow(ctx, query, tokenID).
		Scan(&t.TokenID, &t.AgentID, &t.PayloadHash, &t.IssuedAt, &t.ExpiresAt, &t.IsRevoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get token: %w", err)
	}
	return &t, nil
}

// RevokeToken идемпотентен: повторный отзыв не ошибка.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE tokens SET is_revoked = TRUE WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("postgres: revoke token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRevoked: отозванные и еще не истекшие токены, для прогрева L1 при старте.
func (s *Store) ListRevoked(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT token_id, expires_at FROM tokens WHERE is_revoked AND expires_at > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list revoked tokens: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id  string
			exp time.Time
		)
		if err := rows.Scan(&id, &exp); err != nil {
			return nil, err
		}
		out[id] = exp
	}
	return out, rows.Err()
}
