package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Current: значение счетчика квоты или 0.
func (s *Store) Current(ctx context.Context, policyID, key string) (int64, error) {
	var cur int64
	err := s.pool.QueryRow(ctx,
		`SELECT current FROM quota_counters WHERE policy_id = $1 AND quota_key = $2`, policyID, key).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: read quota counter: %w", err)
	}
	return cur, nil
}

// IncrementBelow: атомарный check-and-increment одним оператором:
// конкурирующие инстансы сериализуются на блокировке строки в Postgres.
func (s *Store) IncrementBelow(ctx context.Context, policyID, key string, limit int64, resetAt time.Time) (int64, bool, error) {
	query := `
		INSERT INTO quota_counters (policy_id, quota_key, current, reset_at)
		VALUES ($1, $2, 1, $4)
		ON CONFLICT (policy_id, quota_key) DO UPDATE
		SET current = quota_counters.current + 1
		WHERE quota_counters.current < $3
		RETURNING current`

	var cur int64
	err := s.pool.QueryRow(ctx, query, policyID, key, limit, resetAt).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		// Лимит исчерпан: строка есть, но условие WHERE не выполнилось
		cur, err = s.Current(ctx, policyID, key)
		return cur, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres: increment quota counter: %w", err)
	}
	return cur, true, nil
}

// DeleteExpired удаляет счетчики прошедших окон. Идемпотентен.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM quota_counters WHERE reset_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired quota counters: %w", err)
	}
	return ct.RowsAffected(), nil
}
