package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/domain"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:          2,
		BaseDelay:           time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		JitterFactor:        0.1,
		NonRetryableActions: []string{"email:send"},
	}
}

func TestRetryNonRetryableActionRunsOnce(t *testing.T) {
	p := NewRetryPolicy(fastRetry(), zap.NewNop(), nil)
	var calls atomic.Int32
	_, err := p.Execute(context.Background(), "email", "send", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, &net.OpError{Op: "dial", Err: errors.New("refused")}
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrRetryExhausted))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	var retried []uint
	p := NewRetryPolicy(fastRetry(), zap.NewNop(), func(_, _ string, attempt uint, _ error) {
		retried = append(retried, attempt)
	})
	var calls atomic.Int32
	res, err := p.Execute(context.Background(), "serpapi", "search", func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &net.OpError{Op: "read", Err: errors.New("connection reset")}
		}
		return "result", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result", res)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []uint{1, 2}, retried)
}

func TestRetryTerminalErrorAbortsImmediately(t *testing.T) {
	p := NewRetryPolicy(fastRetry(), zap.NewNop(), nil)
	for _, terminal := range []error{statusErr(400), domain.Deny(domain.CodeScopeDenied, "nope"), context.Canceled} {
		var calls atomic.Int32
		_, err := p.Execute(context.Background(), "http_fetch", "get", func(context.Context) (any, error) {
			calls.Add(1)
			return nil, terminal
		})
		require.ErrorIs(t, err, terminal)
		assert.EqualValues(t, 1, calls.Load(), "%v", terminal)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := NewRetryPolicy(fastRetry(), zap.NewNop(), nil)
	var calls atomic.Int32
	_, err := p.Execute(context.Background(), "llm", "complete", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, statusErr(503)
	})
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, ex.LastError, statusErr(503))
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryAllowListOfTools(t *testing.T) {
	cfg := fastRetry()
	cfg.RetryableTools = []string{"serpapi"}
	p := NewRetryPolicy(cfg, zap.NewNop(), nil)
	assert.True(t, p.Retryable("serpapi", "search"))
	assert.False(t, p.Retryable("llm", "complete"))
}

func TestRetryOverBreakerFastFails(t *testing.T) {
	b := NewCircuitBreaker("serpapi", BreakerConfig{FailureThreshold: 1, Window: time.Minute, OpenTimeout: time.Minute, BulkheadConcurrency: 1}, nil)
	p := NewRetryPolicy(fastRetry(), zap.NewNop(), nil)
	var calls atomic.Int32

	_, err := p.Execute(context.Background(), "serpapi", "search", func(ctx context.Context) (any, error) {
		return b.Execute(ctx, failing(&calls))
	})
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.EqualValues(t, 1, calls.Load(), "later attempts hit the open circuit")
}

func TestDelayBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("delay stays within jitter bounds of capped backoff", prop.ForAll(
		func(attempt uint, jitter float64) bool {
			cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, JitterFactor: jitter}
			p := NewRetryPolicy(cfg, zap.NewNop(), nil)
			d := p.Delay(attempt)

			base := float64(cfg.BaseDelay) * float64(uint64(1)<<attempt)
			base = min(base, float64(cfg.MaxDelay))
			lo, hi := base*(1-jitter), base*(1+jitter)
			return float64(d) >= lo-1 && float64(d) <= hi+1 && d >= 0
		},
		gen.UIntRange(0, 10), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
