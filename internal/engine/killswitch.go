package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// BlockedSource: источник истины для прогрева (Postgres или файл).
type BlockedSource interface {
	ListBlockedAgentIDs(ctx context.Context) ([]string, error)
}

// KillSwitch: L1 (RAM) множество заблокированных агентов.
// Проверяется на каждом запросе до политик, поэтому без обращений к сети.
type KillSwitch struct {
	mu            sync.RWMutex
	blockedAgents map[string]struct{}
	logger        *zap.Logger
}

func NewKillSwitch(logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blockedAgents: make(map[string]struct{}),
		logger:        logger.Named("kill-switch"),
	}
}

func (k *KillSwitch) IsBlocked(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, blocked := k.blockedAgents[agentID]
	return blocked
}

// Set: внутренний метод для обновления мапы по сигналу.
func (k *KillSwitch) Set(agentID string, blocked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if blocked {
		k.blockedAgents[agentID] = struct{}{}
	} else {
		delete(k.blockedAgents, agentID)
	}
	k.logger.Info("kill-switch updated", zap.String("agent_id", agentID), zap.Bool("blocked", blocked))
}

// Replace заменяет L1 целиком. Используется при прогреве и переподключении.
func (k *KillSwitch) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	k.mu.Lock()
	k.blockedAgents = next
	k.mu.Unlock()
}

func (k *KillSwitch) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.blockedAgents)
}
