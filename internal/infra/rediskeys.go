package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentgw"
)

// Ключи состояния
const (
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
	RedisKeyRevokedTokens = RedisNamespace + ":tokens:revoked_zset" // score = expires_at (unix)
	RedisKeyLockBlocked   = RedisNamespace + ":lock:warmup:blocked"
	RedisKeyQuotaPrefix   = RedisNamespace + ":quota:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal" // "agent_id:true|false"
	RedisChanTokenRevoked = RedisNamespace + ":tokens:revoked"            // "token_id:expires_unix"
	RedisChanPolicyUpdate = RedisNamespace + ":policies:updated"          // policy_id
)

// QuotaCounterKey: ключ счетчика квоты политики.
func QuotaCounterKey(policyID, bucket string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyQuotaPrefix, policyID, bucket)
}
