package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/domain"
)

// RetryConfig: политика повторов. NonRetryableActions принимает "action" или "tool:action":
// такие вызовы выполняются ровно один раз (риск повторного побочного эффекта).
type RetryConfig struct {
	MaxRetries          uint          `mapstructure:"max_retries"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	JitterFactor        float64       `mapstructure:"jitter_factor"`
	RetryableTools      []string      `mapstructure:"retryable_tools"` // Пусто = все инструменты
	NonRetryableActions []string      `mapstructure:"non_retryable_actions"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          2,
		BaseDelay:           200 * time.Millisecond,
		MaxDelay:            5 * time.Second,
		JitterFactor:        0.2,
		NonRetryableActions: []string{"send", "email:send"},
	}
}

// RetryFunc вызывается перед каждой повторной попыткой (метрики).
type RetryFunc func(tool, action string, attempt uint, err error)

type RetryPolicy struct {
	cfg          RetryConfig
	tools        map[string]struct{}
	nonRetryable map[string]struct{}
	onRetry      RetryFunc
	jitter       func() float64
	logger       *zap.Logger
}

func NewRetryPolicy(cfg RetryConfig, logger *zap.Logger, onRetry RetryFunc) *RetryPolicy {
	p := &RetryPolicy{
		cfg:          cfg,
		tools:        make(map[string]struct{}, len(cfg.RetryableTools)),
		nonRetryable: make(map[string]struct{}, len(cfg.NonRetryableActions)),
		onRetry:      onRetry,
		jitter:       rand.Float64,
		logger:       logger.Named("retry"),
	}
	for _, t := range cfg.RetryableTools {
		p.tools[t] = struct{}{}
	}
	for _, a := range cfg.NonRetryableActions {
		p.nonRetryable[a] = struct{}{}
	}
	return p
}

// Retryable: можно ли вообще повторять вызов (tool, action).
func (p *RetryPolicy) Retryable(tool, action string) bool {
	if len(p.tools) > 0 {
		if _, ok := p.tools[tool]; !ok {
			return false
		}
	}
	if _, ok := p.nonRetryable[action]; ok {
		return false
	}
	_, ok := p.nonRetryable[tool+":"+action]
	return !ok
}

// Delay = min(base * 2^attempt, max) ± jitterFactor, не меньше нуля.
func (p *RetryPolicy) Delay(attempt uint) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if maxDelay := float64(p.cfg.MaxDelay); maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if p.cfg.JitterFactor > 0 {
		d += d * p.cfg.JitterFactor * (p.jitter()*2 - 1)
	}
	return time.Duration(max(d, 0))
}

// Execute выполняет op с повторами. Терминальные ошибки возвращаются сразу;
// после последней неудачной попытки ошибка помечается как RETRY_EXHAUSTED.
func (p *RetryPolicy) Execute(ctx context.Context, tool, action string, op func(ctx context.Context) (any, error)) (any, error) {
	if !p.Retryable(tool, action) {
		return op(ctx)
	}

	var (
		result   any
		attempts uint
		start    = time.Now()
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxRetries+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
			// Инструмент прислал Retry-After: ждем столько, сколько просят
			var d Delayer
			if errors.As(err, &d) && d.RetryDelay() > 0 {
				if p.cfg.MaxDelay > 0 {
					return min(d.RetryDelay(), p.cfg.MaxDelay)
				}
				return d.RetryDelay()
			}
			return p.Delay(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("retrying tool call",
				zap.String("tool", tool),
				zap.String("action", action),
				zap.Uint("attempt", n+1),
				zap.Error(err))
			if p.onRetry != nil {
				p.onRetry(tool, action, n+1, err)
			}
		}),
	)

	err := r.Do(func() error {
		attempts++
		res, err := op(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err == nil {
		return result, nil
	}
	if attempts > p.cfg.MaxRetries && IsRetryable(err) {
		return nil, &domain.Denial{
			Code:    domain.CodeRetryExhausted,
			Message: fmt.Sprintf("%s:%s failed after %d attempts", tool, action, attempts),
			Cause: &ExhaustedError{
				Tool: tool, Action: action, Attempts: int(attempts),
				TotalDuration: time.Since(start), LastError: err,
			},
		}
	}
	return nil, err
}
