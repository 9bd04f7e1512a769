package domain

import (
	"slices"
	"time"
)

// MaxTokenAge: токен старше суток отклоняется независимо от expires_at,
// это заставляет агентов регулярно ротировать токены.
const MaxTokenAge = 24 * time.Hour

// Token: строка реестра выданных токенов. Сам payload хранится только в зашифрованном виде у агента.
type Token struct {
	TokenID     string    `json:"token_id"`
	AgentID     string    `json:"agent_id"`
	PayloadHash string    `json:"payload_hash"` // blake3 от encryptedData, для обнаружения подмены
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsRevoked   bool      `json:"is_revoked"`
}

// Capability: расшифрованное содержимое токена.
type Capability struct {
	TokenID     string    `json:"token_id"`
	AgentID     string    `json:"agent_id"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Grants проверяет, что токен разрешает tool и action.
// Permissions принимают "*", "action" или "tool:action".
func (c *Capability) Grants(tool, action string) bool {
	if !slices.Contains(c.Tools, tool) && !slices.Contains(c.Tools, "*") {
		return false
	}
	for _, p := range c.Permissions {
		if p == "*" || p == action || p == tool+":"+action {
			return true
		}
	}
	return false
}
