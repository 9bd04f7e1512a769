package postgres

/*
Файл policy_repo.go отвечает за хранение политик.
Горячий путь читает их через кэш движка политик, в БД ходит только при промахе кэша.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentgw/internal/domain"
)

const policyColumns = `id, name, agent_id, role, spec, spec_hash, active, created_at, updated_at`

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var (
		p    domain.Policy
		spec []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.AgentID, &p.Role, &spec, &p.SpecHash, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &p.Spec); err != nil {
		return nil, fmt.Errorf("postgres: decode spec of policy %s: %w", p.ID, err)
	}
	return &p, nil
}

func collectPolicies(rows pgx.Rows) ([]domain.Policy, error) {
	defer rows.Close()
	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListApplicable: активные политики агента и (без agent_id) его роли.
func (s *Store) ListApplicable(ctx context.Context, agentID, role string) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + `
		FROM policies
		WHERE active AND (agent_id = $1 OR (agent_id IS NULL AND role = $2))
		ORDER BY (agent_id IS NOT NULL), created_at, id`

	rows, err := s.pool.Query(ctx, query, agentID, role)
	if err != nil {
		return nil, fmt.Errorf("postgres: list applicable policies: %w", err)
	}
	return collectPolicies(rows)
}

func (s *Store) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list policies: %w", err)
	}
	return collectPolicies(rows)
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	p, err := scanPolicy(s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get policy: %w", err)
	}
	return p, nil
}

// CreatePolicy сохраняет новую политику. ID и spec_hash вычисляет вызывающий.
func (s *Store) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	spec, err := json.Marshal(p.Spec)
	if err != nil {
		return fmt.Errorf("postgres: encode spec: %w", err)
	}
	query := `
		INSERT INTO policies (id, name, agent_id, role, spec, spec_hash, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query, p.ID, p.Name, p.AgentID, p.Role, spec, p.SpecHash, p.Active).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy меняет имя и спецификацию. Привязка к агенту/роли не меняется.
func (s *Store) UpdatePolicy(ctx context.Context, p *domain.Policy) error {
	spec, err := json.Marshal(p.Spec)
	if err != nil {
		return fmt.Errorf("postgres: encode spec: %w", err)
	}
	query := `
		UPDATE policies
		SET name = $1, spec = $2, spec_hash = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at`

	err = s.pool.QueryRow(ctx, query, p.Name, spec, p.SpecHash, p.ID).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	return nil
}

// SetPolicyActive: мягкое выключение. Политики не удаляются: на них ссылается журнал решений.
func (s *Store) SetPolicyActive(ctx context.Context, id string, active bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE policies SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to toggle policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
