package token

import (
	"context"
	"sync"

	"github.com/xela07ax/agentgw/internal/domain"
)

// pruneEvery: раз в столько сохранений из реестра выбрасываются истекшие токены.
const pruneEvery = 64

// MemoryRegistry: реестр в памяти для single-instance режима и тестов.
// Истекшие токены удаляются при сохранении новых, поэтому память не растет без предела.
type MemoryRegistry struct {
	mu     sync.RWMutex
	tokens map[string]domain.Token
	saves  int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tokens: make(map[string]domain.Token)}
}

func (r *MemoryRegistry) SaveToken(_ context.Context, t *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.TokenID] = *t
	r.saves++
	if r.saves%pruneEvery == 0 {
		// Время выдачи нового токена: это "сейчас" по часам Authority
		for id, existing := range r.tokens {
			if existing.ExpiresAt.Before(t.IssuedAt) {
				delete(r.tokens, id)
			}
		}
	}
	return nil
}

func (r *MemoryRegistry) GetToken(_ context.Context, tokenID string) (*domain.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *MemoryRegistry) RevokeToken(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	t.IsRevoked = true
	r.tokens[tokenID] = t
	return nil
}
