package connectors

import (
	"fmt"
	"net/http"
	"time"
)

// ThrottleError: инструмент попросил подождать (429 + Retry-After).
type ThrottleError struct {
	Tool       string
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s throttled: retry after %v (cause: %v)", e.Tool, e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

func (e *ThrottleError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *ThrottleError) StatusCode() int { return http.StatusTooManyRequests }

// UpstreamError: инструмент ответил ошибкой. Status определяет, повторять ли вызов.
type UpstreamError struct {
	Tool    string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned error [%d]: %s", e.Tool, e.Status, e.Message)
}

func (e *UpstreamError) StatusCode() int { return e.Status }
