package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code: машиночитаемая причина отказа, которую видит агент.
type Code string

const (
	CodeBadRequest           Code = "BAD_REQUEST"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeDecryptionFailed     Code = "DECRYPTION_FAILED"
	CodeTokenInvalid         Code = "TOKEN_INVALID"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTokenRevoked         Code = "TOKEN_REVOKED"
	CodeTokenTooOld          Code = "TOKEN_TOO_OLD"
	CodeInvalidScope         Code = "INVALID_SCOPE"
	CodeAgentBlocked         Code = "AGENT_BLOCKED"

	// Отказы политики
	CodeNoPolicy        Code = "NO_POLICY"
	CodeScopeDenied     Code = "SCOPE_DENIED"
	CodeOutsideSchedule Code = "OUTSIDE_SCHEDULE"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeGuardViolation  Code = "GUARD_VIOLATION"
	CodeResponseBlocked Code = "RESPONSE_BLOCKED"

	// Back-pressure и сбои инструментов
	CodeCircuitOpen    Code = "CIRCUIT_OPEN"
	CodeBulkheadFull   Code = "BULKHEAD_FULL"
	CodeUpstreamError  Code = "UPSTREAM_ERROR"
	CodeRetryExhausted Code = "RETRY_EXHAUSTED"

	CodeInternal Code = "INTERNAL"
)

// Retryable сообщает, имеет ли смысл повторять запрос после паузы.
func (c Code) Retryable() bool {
	switch c {
	case CodeCircuitOpen, CodeBulkheadFull, CodeUpstreamError:
		return true
	}
	return false
}

// QuotaState: снимок счетчика квоты в момент отказа.
type QuotaState struct {
	PolicyID string    `json:"policy_id,omitempty"`
	Action   string    `json:"action"`
	Current  int64     `json:"current"`
	Limit    int64     `json:"limit"`
	ResetAt  time.Time `json:"reset_at"`
}

// Denial: структурированный отказ. Реализует error, чтобы его можно было
// прокидывать через слои, но внутри движка политик возвращается как результат.
type Denial struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Quota      *QuotaState
	Cause      error
}

func (d *Denial) Error() string {
	if d.Message == "" {
		return string(d.Code)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

func (d *Denial) Unwrap() error { return d.Cause }

// Is сравнивает отказы по коду: errors.Is(err, domain.ErrTokenExpired).
func (d *Denial) Is(target error) bool {
	t, ok := target.(*Denial)
	return ok && t.Code == d.Code
}

// Deny собирает отказ с форматированным сообщением.
func Deny(code Code, format string, args ...any) *Denial {
	return &Denial{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap сохраняет исходную причину внутри отказа.
func Wrap(code Code, cause error, message string) *Denial {
	return &Denial{Code: code, Message: message, Cause: cause}
}

// AsDenial достает отказ из цепочки ошибок.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Сентинелы для errors.Is
var (
	ErrAuthenticationFailed = &Denial{Code: CodeAuthenticationFailed}
	ErrDecryptionFailed     = &Denial{Code: CodeDecryptionFailed}
	ErrTokenInvalid         = &Denial{Code: CodeTokenInvalid}
	ErrTokenExpired         = &Denial{Code: CodeTokenExpired}
	ErrTokenRevoked         = &Denial{Code: CodeTokenRevoked}
	ErrTokenTooOld          = &Denial{Code: CodeTokenTooOld}
	ErrInvalidScope         = &Denial{Code: CodeInvalidScope}
	ErrAgentBlocked         = &Denial{Code: CodeAgentBlocked}
	ErrNoPolicy             = &Denial{Code: CodeNoPolicy}
	ErrScopeDenied          = &Denial{Code: CodeScopeDenied}
	ErrOutsideSchedule      = &Denial{Code: CodeOutsideSchedule}
	ErrQuotaExceeded        = &Denial{Code: CodeQuotaExceeded}
	ErrGuardViolation       = &Denial{Code: CodeGuardViolation}
	ErrResponseBlocked      = &Denial{Code: CodeResponseBlocked}
	ErrCircuitOpen          = &Denial{Code: CodeCircuitOpen}
	ErrBulkheadFull         = &Denial{Code: CodeBulkheadFull}
	ErrUpstream             = &Denial{Code: CodeUpstreamError}
	ErrRetryExhausted       = &Denial{Code: CodeRetryExhausted}
)

// ErrNotFound возвращается репозиториями, когда строка отсутствует.
var ErrNotFound = errors.New("not found")
