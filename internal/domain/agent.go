package domain

import "time"

type AgentStatus string

const (
	StatusActive  AgentStatus = "active"  // Полный доступ
	StatusBlocked AgentStatus = "blocked" // Kill-switch (блокировка)
)

// Agent: автономный клиент шлюза. Приватные ключи агента шлюз никогда не хранит.
type Agent struct {
	ID     string      `json:"id" yaml:"id"`         // UUID
	Name   string      `json:"name" yaml:"name"`     // Человекочитаемое имя (например, "research-bot")
	Role   string      `json:"role" yaml:"role"`     // Роль для ролевых политик
	Status AgentStatus `json:"status" yaml:"status"` // Текущее состояние в Control Plane

	// SigningKey: base64 Ed25519 публичный ключ для proof-of-possession (может быть пустым)
	SigningKey string `json:"signing_key,omitempty" yaml:"signingKey,omitempty"`
	// EncryptionKey: публичный ключ age (age1...) для шифрования ответов агенту
	EncryptionKey string `json:"encryption_key,omitempty" yaml:"encryptionKey,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

func (a *Agent) IsBlocked() bool {
	return a != nil && a.Status == StatusBlocked
}
