package engine

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/connectors"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/resilience"
)

func newTestExecutor(adapters *connectors.Registry, limit RateLimit, metrics *Metrics) *ToolExecutor {
	logger := zap.NewNop()
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger, resilience.WithStateChange(metrics.ObserveBreaker))
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxRetries:          2,
		BaseDelay:           time.Millisecond,
		MaxDelay:            2 * time.Millisecond,
		NonRetryableActions: []string{"send"},
	}, logger, metrics.ObserveRetry)
	return NewToolExecutor(adapters, breakers, retry, limit, 50*time.Millisecond, logger)
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	adapters := connectors.NewRegistry()
	adapters.Register("flaky", connectors.AdapterFunc(func(context.Context, string, string, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &connectors.UpstreamError{Tool: "flaky", Status: http.StatusBadGateway, Message: "bad gateway"}
		}
		return "ok", nil
	}))
	x := newTestExecutor(adapters, RateLimit{}, NewMetrics(nil))

	res, err := x.Execute(context.Background(), "flaky", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutorNonRetryableAction(t *testing.T) {
	var calls atomic.Int32
	adapters := connectors.NewRegistry()
	adapters.Register("email", connectors.AdapterFunc(func(context.Context, string, string, map[string]any) (any, error) {
		calls.Add(1)
		return nil, &connectors.UpstreamError{Tool: "email", Status: http.StatusServiceUnavailable}
	}))
	x := newTestExecutor(adapters, RateLimit{}, NewMetrics(nil))

	_, err := x.Execute(context.Background(), "email", "send", nil)
	d, ok := domain.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeUpstreamError, d.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutorAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	adapters := connectors.NewRegistry()
	adapters.Register("slow", connectors.AdapterFunc(func(ctx context.Context, _, _ string, _ map[string]any) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	x := newTestExecutor(adapters, RateLimit{}, NewMetrics(nil))

	_, err := x.Execute(context.Background(), "slow", "read", nil)
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.Equal(t, int32(3), calls.Load(), "deadline exceeded is retried per attempt")
}

func TestExecutorUnknownToolAndRateLimit(t *testing.T) {
	adapters := connectors.NewRegistry()
	adapters.Register("serpapi", &connectors.MockConnector{})
	x := newTestExecutor(adapters, RateLimit{Rate: 0.001, Burst: 1}, NewMetrics(nil))

	_, err := x.Execute(context.Background(), "nope", "read", nil)
	require.ErrorIs(t, err, &domain.Denial{Code: domain.CodeBadRequest})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = x.Execute(ctx, "serpapi", "search", map[string]any{"q": "a"})
	require.NoError(t, err)
	_, err = x.Execute(ctx, "serpapi", "search", map[string]any{"q": "b"})
	require.ErrorIs(t, err, domain.ErrBulkheadFull)
}

func TestHTTPStatusMapping(t *testing.T) {
	exhaustedOpen := &domain.Denial{Code: domain.CodeRetryExhausted, Cause: &resilience.ExhaustedError{
		LastError: &domain.Denial{Code: domain.CodeCircuitOpen, RetryAfter: 4 * time.Second},
	}}
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(exhaustedOpen))
	assert.Equal(t, 4*time.Second, RetryAfter(exhaustedOpen))

	exhaustedUpstream := &domain.Denial{Code: domain.CodeRetryExhausted, Cause: &resilience.ExhaustedError{
		LastError: &connectors.UpstreamError{Status: 500},
	}}
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(exhaustedUpstream))
	assert.Zero(t, RetryAfter(exhaustedUpstream))

	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(domain.ErrQuotaExceeded))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(domain.ErrAgentBlocked))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(domain.ErrTokenTooOld))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(&domain.Denial{Code: domain.CodeInternal}))
}
