package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentgw/internal/connectors"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/resilience"
)

// RateLimit: исходящий лимит на инструмент. Нулевой Rate отключает лимитер.
type RateLimit struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// ToolExecutor: путь вызова инструмента:
// лимитер → RetryPolicy → CircuitBreaker (с bulkhead) → адаптер с таймаутом попытки.
type ToolExecutor struct {
	adapters       *connectors.Registry
	breakers       *resilience.Registry
	retry          *resilience.RetryPolicy
	limit          RateLimit
	attemptTimeout time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewToolExecutor(adapters *connectors.Registry, breakers *resilience.Registry, retry *resilience.RetryPolicy,
	limit RateLimit, attemptTimeout time.Duration, logger *zap.Logger,
) *ToolExecutor {
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &ToolExecutor{
		adapters:       adapters,
		breakers:       breakers,
		retry:          retry,
		limit:          limit,
		attemptTimeout: attemptTimeout,
		logger:         logger.Named("executor"),
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (x *ToolExecutor) limiter(tool string) *rate.Limiter {
	if x.limit.Rate <= 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(x.limit.Rate), max(x.limit.Burst, 1))
		x.limiters[tool] = l
	}
	return l
}

// Execute вызывает инструмент. Ошибки наружу: всегда *domain.Denial.
func (x *ToolExecutor) Execute(ctx context.Context, tool, action string, params map[string]any) (any, error) {
	adapter, err := x.adapters.Resolve(tool)
	if err != nil {
		return nil, domain.Wrap(domain.CodeBadRequest, err, fmt.Sprintf("unknown tool %q", tool))
	}

	// 1. Rate Limiter
	if l := x.limiter(tool); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, &domain.Denial{
				Code:       domain.CodeBulkheadFull,
				Message:    fmt.Sprintf("outbound rate limit for %s exceeded", tool),
				RetryAfter: time.Second,
				Cause:      err,
			}
		}
	}

	// 2. Retry снаружи предохранителя: каждая попытка проходит bulkhead и fast-fail
	breaker := x.breakers.Get(tool)
	res, err := x.retry.Execute(ctx, tool, action, func(ctx context.Context) (any, error) {
		return breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, x.attemptTimeout)
			defer cancel()
			return adapter.Call(attemptCtx, tool, action, params)
		})
	})
	if err != nil {
		return nil, x.toDenial(tool, action, err)
	}
	return res, nil
}

func (x *ToolExecutor) toDenial(tool, action string, err error) *domain.Denial {
	if d, ok := domain.AsDenial(err); ok {
		return d
	}
	if errors.Is(err, context.Canceled) {
		return domain.Wrap(domain.CodeBadRequest, err, "request cancelled")
	}
	x.logger.Warn("tool call failed",
		zap.String("tool", tool),
		zap.String("action", action),
		zap.Error(err))
	var d resilience.Delayer
	if errors.As(err, &d) {
		return &domain.Denial{Code: domain.CodeUpstreamError, Message: err.Error(), RetryAfter: d.RetryDelay(), Cause: err}
	}
	return domain.Wrap(domain.CodeUpstreamError, err, err.Error())
}
