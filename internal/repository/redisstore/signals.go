package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentgw/internal/infra"
)

// Signals рассылает изменения состояния остальным инстансам шлюза.
// Долговременное состояние (множество заблокированных, zset отозванных) пишется
// вместе с публикацией, чтобы новый инстанс мог прогреться без Postgres.
type Signals struct {
	rdb redis.UniversalClient
}

func NewSignals(rdb redis.UniversalClient) *Signals {
	return &Signals{rdb: rdb}
}

// PublishRevocation реализует token.RevocationPublisher.
func (s *Signals) PublishRevocation(ctx context.Context, tokenID string, expiresAt time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, infra.RedisKeyRevokedTokens, redis.Z{Score: float64(expiresAt.Unix()), Member: tokenID})
	pipe.Publish(ctx, infra.RedisChanTokenRevoked, fmt.Sprintf("%s:%d", tokenID, expiresAt.Unix()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish revocation: %w", err)
	}
	return nil
}

// RevokedTokens: отозванные токены, срок которых еще не истек. Истекшие вычищаются.
func (s *Signals) RevokedTokens(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	nowUnix := strconv.FormatInt(now.Unix(), 10)
	if err := s.rdb.ZRemRangeByScore(ctx, infra.RedisKeyRevokedTokens, "-inf", nowUnix).Err(); err != nil {
		return nil, fmt.Errorf("redis: trim revoked tokens: %w", err)
	}
	zs, err := s.rdb.ZRangeWithScores(ctx, infra.RedisKeyRevokedTokens, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list revoked tokens: %w", err)
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out[id] = time.Unix(int64(z.Score), 0).UTC()
	}
	return out, nil
}

// PublishKillSwitch блокирует или разблокирует агента на всех инстансах.
func (s *Signals) PublishKillSwitch(ctx context.Context, agentID string, blocked bool) error {
	pipe := s.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, fmt.Sprintf("%s:%t", agentID, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish kill-switch: %w", err)
	}
	return nil
}

// BlockedAgents: L2 множество заблокированных агентов.
func (s *Signals) BlockedAgents(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list blocked agents: %w", err)
	}
	return ids, nil
}

// PublishPolicyUpdate просит инстансы сбросить кэш слитых политик.
func (s *Signals) PublishPolicyUpdate(ctx context.Context, policyID string) error {
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, policyID).Err(); err != nil {
		return fmt.Errorf("redis: publish policy update: %w", err)
	}
	return nil
}

// ParseRevocation разбирает "token_id:expires_unix".
func ParseRevocation(payload string) (string, time.Time, error) {
	id, exp, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return "", time.Time{}, fmt.Errorf("redis: invalid revocation signal %q", payload)
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("redis: invalid revocation expiry %q: %w", payload, err)
	}
	return id, time.Unix(unix, 0).UTC(), nil
}

// ParseKillSwitch разбирает "agent_id:true|false". Парсинг гибкий: "on" тоже включает блокировку.
func ParseKillSwitch(payload string) (string, bool, error) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 {
		return "", false, fmt.Errorf("redis: invalid kill-switch signal %q", payload)
	}
	v := payload[i+1:]
	return payload[:i], v == "true" || v == "on", nil
}
