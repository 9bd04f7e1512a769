package engine

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/infra"
	"github.com/xela07ax/agentgw/internal/policy"
	"github.com/xela07ax/agentgw/internal/repository/redisstore"
	"github.com/xela07ax/agentgw/internal/token"
)

// StateSync держит L1-состояние инстанса (kill-switch, отозванные токены, кэш политик)
// согласованным с остальными инстансами через Redis.
type StateSync struct {
	rdb         redis.UniversalClient
	signals     *redisstore.Signals
	blocked     BlockedSource
	killSwitch  *KillSwitch
	revocations *token.RevocationList
	policies    *policy.Engine
	logger      *zap.Logger
}

func NewStateSync(rdb redis.UniversalClient, blocked BlockedSource, ks *KillSwitch, revocations *token.RevocationList, policies *policy.Engine, logger *zap.Logger) *StateSync {
	return &StateSync{
		rdb:         rdb,
		signals:     redisstore.NewSignals(rdb),
		blocked:     blocked,
		killSwitch:  ks,
		revocations: revocations,
		policies:    policies,
		logger:      logger.Named("sync"),
	}
}

// Warmup загружает L1 из источника истины и при необходимости наполняет L2.
func (s *StateSync) Warmup(ctx context.Context) error {
	ids, err := s.blocked.ListBlockedAgentIDs(ctx)
	if err != nil {
		return err
	}
	if err := WarmupState(ctx, s.rdb, s.logger, ids, infra.RedisKeyBlockedAgents, infra.RedisKeyLockBlocked, s.killSwitch.Replace); err != nil {
		s.logger.Warn("kill-switch L2 warm-up failed", zap.Error(err))
	}
	return s.syncRevoked(ctx)
}

func (s *StateSync) syncBlocked(ctx context.Context) error {
	ids, err := s.blocked.ListBlockedAgentIDs(ctx)
	if err != nil {
		return err
	}
	s.killSwitch.Replace(ids)
	return nil
}

func (s *StateSync) syncRevoked(ctx context.Context) error {
	revoked, err := s.signals.RevokedTokens(ctx, time.Now())
	if err != nil {
		return err
	}
	for id, exp := range revoked {
		s.revocations.Revoke(id, exp)
	}
	return nil
}

// Run слушает каналы до отмены ctx. Раз в cleanupEvery чистит истекшие отзывы из L1.
func (s *StateSync) Run(ctx context.Context, cleanupEvery time.Duration) {
	var wg sync.WaitGroup
	listen := func(channel string, onReconnect func(context.Context) error, onMessage func(string) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ListenStateResilient(ctx, s.rdb, s.logger, channel, onReconnect, onMessage)
		}()
	}

	listen(infra.RedisChanKillSwitch, s.syncBlocked, func(payload string) error {
		agentID, blocked, err := redisstore.ParseKillSwitch(payload)
		if err != nil {
			return err
		}
		s.killSwitch.Set(agentID, blocked)
		return nil
	})
	listen(infra.RedisChanTokenRevoked, s.syncRevoked, func(payload string) error {
		tokenID, exp, err := redisstore.ParseRevocation(payload)
		if err != nil {
			return err
		}
		s.revocations.Revoke(tokenID, exp)
		return nil
	})
	listen(infra.RedisChanPolicyUpdate, func(context.Context) error {
		s.policies.Invalidate()
		return nil
	}, func(policyID string) error {
		s.logger.Info("policy updated, purging merged cache", zap.String("policy_id", policyID))
		s.policies.Invalidate()
		return nil
	})

	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			if n := s.revocations.Cleanup(now); n > 0 {
				s.logger.Debug("expired revocations dropped", zap.Int("count", n))
			}
		}
	}
}
