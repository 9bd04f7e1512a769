package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/agentgw/internal/domain"
)

// OperatorIssuer: iss токенов, которые выдает консоль.
const OperatorIssuer = "agentgw-console"

const operatorClockSkew = 30 * time.Second

// ErrInvalidOperatorToken: любая причина отказа в токене оператора.
var ErrInvalidOperatorToken = errors.New("invalid operator token")

// OperatorValidator проверяет RS256 JWT операторов. Принимает только токены
// со сроком действия и хотя бы одним scope: токен без прав бесполезен для
// RequireScope и почти наверняка выдан не консолью.
type OperatorValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

type ValidatorOption func(*validatorOptions)

type validatorOptions struct {
	issuer string
	now    func() time.Time
}

// WithIssuer требует совпадения iss.
func WithIssuer(iss string) ValidatorOption {
	return func(o *validatorOptions) { o.issuer = iss }
}

// WithValidatorClock подменяет часы для проверки exp/nbf.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(o *validatorOptions) { o.now = now }
}

func NewOperatorValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *OperatorValidator {
	var o validatorOptions
	for _, opt := range opts {
		opt(&o)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(operatorClockSkew),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}
	if o.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(o.now))
	}
	return &OperatorValidator{publicKey: pubKey, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken принимает значение заголовка Authorization как есть, с "Bearer " или без.
func (v *OperatorValidator) VerifyToken(header string) (*domain.CustomClaims, error) {
	raw := strings.TrimSpace(header)
	if scheme, rest, ok := strings.Cut(raw, " "); ok && strings.EqualFold(scheme, "Bearer") {
		raw = strings.TrimSpace(rest)
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidOperatorToken)
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperatorToken, err)
	}
	if !hasAnyScope(claims.Scopes) {
		return nil, fmt.Errorf("%w: no scopes granted", ErrInvalidOperatorToken)
	}
	return claims, nil
}

func hasAnyScope(scopes map[string]bool) bool {
	for _, granted := range scopes {
		if granted {
			return true
		}
	}
	return false
}

// ParseRSAPublicKey: PEM открытого ключа операторов (шлюз и консоль).
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("operator public key is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse operator public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey: PEM закрытого ключа, которым консоль подписывает токены операторов.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, errors.New("operator private key is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse operator private key: %w", err)
	}
	return key, nil
}
