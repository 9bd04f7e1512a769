package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/agentgw/internal/domain"
)

// StatusCoder: ошибка адаптера, несущая HTTP-подобный код ответа инструмента.
type StatusCoder interface {
	StatusCode() int
}

// Delayer: ошибка, которая сама знает, сколько ждать (Retry-After инструмента).
type Delayer interface {
	RetryDelay() time.Duration
}

// ExhaustedError: все попытки израсходованы. Последняя ошибка доступна через Unwrap.
type ExhaustedError struct {
	Tool          string
	Action        string
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s:%s: retry exhausted after %d attempts over %v: %v",
		e.Tool, e.Action, e.Attempts, e.TotalDuration.Round(time.Millisecond), e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable: сетевые сбои, таймауты, 5xx, 429 и back-pressure шлюза повторяем.
// 4xx, отказы политики и авторизации, отмена вызывающим терминальны.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus(sc.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var d *domain.Denial
	if errors.As(err, &d) {
		return d.Code.Retryable()
	}
	// Сетевые ошибки и прочие сбои адаптера без кода считаем временными
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return code != http.StatusNotImplemented
	}
	return false
}

// countsAsFailure: ошибки клиента (4xx), терминальные отказы шлюза и отмена вызывающим
// не открывают предохранитель: инструмент при этом жив.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if d, ok := domain.AsDenial(err); ok && !d.Code.Retryable() {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}
	return true
}
