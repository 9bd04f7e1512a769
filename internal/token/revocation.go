package token

import (
	"sync"
	"time"
)

// RevocationList: потокобезопасный L1-кэш отозванных token_id.
// Запись живет до естественного истечения токена: после этого токен отклоняется по сроку.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{entries: make(map[string]time.Time)}
}

func (l *RevocationList) Revoke(tokenID string, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[tokenID] = expiresAt
}

func (l *RevocationList) IsRevoked(tokenID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[tokenID]
	return ok
}

// Cleanup удаляет записи истекших токенов и возвращает их количество.
func (l *RevocationList) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, exp := range l.entries {
		if now.After(exp) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
