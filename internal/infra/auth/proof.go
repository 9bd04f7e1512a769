package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/agentgw/internal/domain"
)

// MaxProofLifetime: предельный разрыв между iat и exp в proof.
const MaxProofLifetime = 5 * time.Minute

var ErrInvalidProof = errors.New("invalid proof of possession")

// ProofVerifier проверяет proof-of-possession: EdDSA JWT, подписанный ключом агента.
type ProofVerifier struct {
	now func() time.Time
}

func NewProofVerifier(now func() time.Time) *ProofVerifier {
	if now == nil {
		now = time.Now
	}
	return &ProofVerifier{now: now}
}

// ParseEd25519PublicKey принимает base64 (std или url) от 32 байт ключа.
func ParseEd25519PublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("signing key is not base64: %w", err)
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify проверяет подпись, sub == agentID, tid == tokenID и срок жизни.
func (v *ProofVerifier) Verify(signingKey, proof, agentID, tokenID string) error {
	if proof == "" {
		return fmt.Errorf("%w: proof_payload is required", ErrInvalidProof)
	}
	pub, err := ParseEd25519PublicKey(signingKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	claims := &domain.ProofClaims{}
	_, err = jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(agentID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	if claims.TokenID != "" && claims.TokenID != tokenID {
		return fmt.Errorf("%w: proof is bound to another token", ErrInvalidProof)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: iat is required", ErrInvalidProof)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > MaxProofLifetime {
		return fmt.Errorf("%w: proof lifetime exceeds %s", ErrInvalidProof, MaxProofLifetime)
	}
	return nil
}

// SignProof: клиентская сторона, используется агентами и тестами.
func SignProof(priv ed25519.PrivateKey, agentID, tokenID string, now time.Time, ttl time.Duration) (string, error) {
	claims := domain.ProofClaims{
		TokenID: tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
}
