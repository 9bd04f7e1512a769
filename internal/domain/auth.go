package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims: claims административного токена консоли (RS256).
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true, "policies.write": true
	jwt.RegisteredClaims
}

// ProofClaims: claims proof-of-possession JWT, подписанного ключом агента (EdDSA).
type ProofClaims struct {
	TokenID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User: оператор консоли.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем наружу
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
