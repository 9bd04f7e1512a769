// Package redisstore: состояние шлюза в Redis: счетчики квот и сигналы между инстансами.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentgw/internal/infra"
)

// checkAndIncr выполняется в Redis атомарно: чтение, сравнение и INCR без гонок между инстансами.
// Ключ живет до конца своего окна (EXPIREAT), поэтому старые окна исчезают сами.
var checkAndIncr = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {cur, 0}
end
cur = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return {cur, 1}
`)

// QuotaStore: счетчики квот в Redis.
type QuotaStore struct {
	rdb redis.UniversalClient
}

func NewQuotaStore(rdb redis.UniversalClient) *QuotaStore {
	return &QuotaStore{rdb: rdb}
}

func (s *QuotaStore) Current(ctx context.Context, policyID, key string) (int64, error) {
	cur, err := s.rdb.Get(ctx, infra.QuotaCounterKey(policyID, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: read quota counter: %w", err)
	}
	return cur, nil
}

func (s *QuotaStore) IncrementBelow(ctx context.Context, policyID, key string, limit int64, resetAt time.Time) (int64, bool, error) {
	res, err := checkAndIncr.Run(ctx, s.rdb, []string{infra.QuotaCounterKey(policyID, key)}, limit, resetAt.Unix()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: increment quota counter: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis: unexpected script reply %v", res)
	}
	return res[0], res[1] == 1, nil
}

// DeleteExpired ничего не делает: Redis удаляет счетчики по EXPIREAT сам.
func (s *QuotaStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
