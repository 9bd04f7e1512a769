package policy

import (
	"context"
	"sync"

	"github.com/xela07ax/agentgw/internal/domain"
)

// MemoryRepository: политики в памяти. Используется в тестах и как основа filestore.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
}

func NewMemoryRepository(policies ...domain.Policy) *MemoryRepository {
	r := &MemoryRepository{policies: make(map[string]domain.Policy, len(policies))}
	for _, p := range policies {
		r.policies[p.ID] = p
	}
	return r
}

// Put добавляет или заменяет политику, пересчитывая specHash.
func (r *MemoryRepository) Put(p domain.Policy) error {
	hash, err := SpecHash(p.Spec)
	if err != nil {
		return err
	}
	p.SpecHash = hash
	r.mu.Lock()
	r.policies[p.ID] = p
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListApplicable(_ context.Context, agentID, role string) ([]domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Policy
	for _, p := range r.policies {
		if p.AppliesTo(agentID, role) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRepository) All() []domain.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out
}
