// Package token выдает и проверяет capability-токены агентов.
//
// Токен: это envelope (см. internal/crypto/envelope) с JSON payload внутри,
// закодированный в base64url. Шлюз хранит только реестр (token_id, payload_hash,
// сроки, флаг отзыва), сам payload у агента.
package token

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/crypto/envelope"
	"github.com/xela07ax/agentgw/internal/domain"
)

// Registry: хранилище строк реестра токенов.
type Registry interface {
	SaveToken(ctx context.Context, t *domain.Token) error
	GetToken(ctx context.Context, tokenID string) (*domain.Token, error)
	// RevokeToken идемпотентен. Для неизвестного id возвращает domain.ErrNotFound.
	RevokeToken(ctx context.Context, tokenID string) error
}

// RevocationPublisher рассылает отзыв остальным инстансам шлюза.
type RevocationPublisher interface {
	PublishRevocation(ctx context.Context, tokenID string, expiresAt time.Time) error
}

type Issued struct {
	Token     string    `json:"agent_token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Options struct {
	// RotateBefore: за сколько до истечения рекомендовать ротацию.
	RotateBefore time.Duration
	Now          func() time.Time
	Publisher    RevocationPublisher
}

type Authority struct {
	kek          []byte
	registry     Registry
	revoked      *RevocationList
	publisher    RevocationPublisher
	rotateBefore time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewAuthority(kek []byte, registry Registry, logger *zap.Logger, opts Options) (*Authority, error) {
	if len(kek) != envelope.KeySize {
		return nil, envelope.ErrInvalidKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RotateBefore <= 0 {
		opts.RotateBefore = 5 * time.Minute
	}
	return &Authority{
		kek:          kek,
		registry:     registry,
		revoked:      NewRevocationList(),
		publisher:    opts.Publisher,
		rotateBefore: opts.RotateBefore,
		now:          opts.Now,
		logger:       logger.Named("token"),
	}, nil
}

// Revocations: локальный (L1) список отзывов, его пополняет Redis-слушатель.
func (a *Authority) Revocations() *RevocationList {
	return a.revoked
}

// Issue выпускает токен на ttl.
func (a *Authority) Issue(ctx context.Context, agentID string, tools, permissions []string, ttl time.Duration) (*Issued, error) {
	if agentID == "" {
		return nil, domain.Deny(domain.CodeBadRequest, "agent_id is required")
	}
	if len(tools) == 0 || len(permissions) == 0 {
		return nil, domain.Deny(domain.CodeInvalidScope, "tools and permissions must not be empty")
	}
	if ttl <= 0 || ttl > domain.MaxTokenAge {
		return nil, domain.Deny(domain.CodeBadRequest, "ttl must be within (0, %s]", domain.MaxTokenAge)
	}

	now := a.now().UTC()
	capability := domain.Capability{
		TokenID:     uuid.NewString(),
		AgentID:     agentID,
		Tools:       tools,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	payload, err := json.Marshal(capability)
	if err != nil {
		return nil, fmt.Errorf("token: marshal payload: %w", err)
	}
	env, err := envelope.Encrypt(payload, a.kek)
	if err != nil {
		return nil, fmt.Errorf("token: encrypt payload: %w", err)
	}
	serialized, err := envelope.Serialize(env)
	if err != nil {
		return nil, err
	}

	row := &domain.Token{
		TokenID:     capability.TokenID,
		AgentID:     agentID,
		PayloadHash: payloadHash(env),
		IssuedAt:    capability.IssuedAt,
		ExpiresAt:   capability.ExpiresAt,
	}
	if err := a.registry.SaveToken(ctx, row); err != nil {
		return nil, fmt.Errorf("token: save registry row: %w", err)
	}

	a.logger.Info("token issued",
		zap.String("agent_id", agentID),
		zap.String("token_id", row.TokenID),
		zap.Time("expires_at", row.ExpiresAt))

	return &Issued{
		Token:     base64.RawURLEncoding.EncodeToString([]byte(serialized)),
		TokenID:   row.TokenID,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// Validate расшифровывает токен и проверяет сроки и отзыв. Состояние не меняет.
func (a *Authority) Validate(ctx context.Context, tokenStr string) (*domain.Capability, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tokenStr)
	if err != nil {
		return nil, domain.Wrap(domain.CodeTokenInvalid, err, "token is not base64url")
	}
	env, err := envelope.Deserialize(string(raw))
	if err != nil {
		return nil, domain.Wrap(domain.CodeTokenInvalid, err, "malformed token envelope")
	}
	payload, err := envelope.Decrypt(env, a.kek)
	if err != nil {
		return nil, domain.Wrap(domain.CodeTokenInvalid, err, "token decryption failed")
	}

	var capability domain.Capability
	if err := json.Unmarshal(payload, &capability); err != nil {
		return nil, domain.Wrap(domain.CodeTokenInvalid, err, "malformed token payload")
	}

	now := a.now()
	if now.After(capability.ExpiresAt) {
		return nil, domain.Deny(domain.CodeTokenExpired, "token expired at %s", capability.ExpiresAt.Format(time.RFC3339))
	}

	if a.revoked.IsRevoked(capability.TokenID) {
		return nil, domain.Deny(domain.CodeTokenRevoked, "token has been revoked")
	}
	row, err := a.registry.GetToken(ctx, capability.TokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Deny(domain.CodeTokenInvalid, "unknown token")
		}
		return nil, fmt.Errorf("token: registry lookup: %w", err)
	}
	if row.PayloadHash != payloadHash(env) || row.AgentID != capability.AgentID {
		return nil, domain.Deny(domain.CodeTokenInvalid, "token does not match registry")
	}
	if row.IsRevoked {
		a.revoked.Revoke(row.TokenID, row.ExpiresAt)
		return nil, domain.Deny(domain.CodeTokenRevoked, "token has been revoked")
	}

	if now.Sub(capability.IssuedAt) > domain.MaxTokenAge {
		return nil, domain.Deny(domain.CodeTokenTooOld, "token issued more than %s ago", domain.MaxTokenAge)
	}

	return &capability, nil
}

// Revoke идемпотентно отзывает токен и оповещает остальные инстансы.
func (a *Authority) Revoke(ctx context.Context, tokenID string) error {
	row, err := a.registry.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if err := a.registry.RevokeToken(ctx, tokenID); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	a.revoked.Revoke(tokenID, row.ExpiresAt)

	if a.publisher != nil {
		if err := a.publisher.PublishRevocation(ctx, tokenID, row.ExpiresAt); err != nil {
			// Остальные инстансы увидят отзыв в реестре
			a.logger.Warn("revocation signal delivery failed", zap.String("token_id", tokenID), zap.Error(err))
		}
	}
	a.logger.Info("token revoked", zap.String("token_id", tokenID))
	return nil
}

// RotationRecommended: осталось меньше rotateBefore или меньше четверти срока жизни.
func (a *Authority) RotationRecommended(c *domain.Capability) bool {
	remaining := c.ExpiresAt.Sub(a.now())
	lifetime := c.ExpiresAt.Sub(c.IssuedAt)
	return remaining <= a.rotateBefore || remaining < lifetime/4
}

func payloadHash(env *envelope.Envelope) string {
	sum := blake3.Sum256(env.EncryptedData)
	return hex.EncodeToString(sum[:])
}
