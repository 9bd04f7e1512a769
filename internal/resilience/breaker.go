package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/xela07ax/agentgw/internal/domain"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// BreakerConfig: настройки предохранителя одного инструмента.
type BreakerConfig struct {
	FailureThreshold    uint32        `mapstructure:"failure_threshold"`    // Ошибок внутри Window до OPEN
	Window              time.Duration `mapstructure:"window"`               // Скользящее окно подсчета ошибок в CLOSED; 0: без окна
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`         // Пауза перед пробным вызовом
	BulkheadConcurrency int64         `mapstructure:"bulkhead_concurrency"` // Одновременных вызовов инструмента
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		Window:              60 * time.Second,
		OpenTimeout:         30 * time.Second,
		BulkheadConcurrency: 10,
	}
}

// WithDefaults заполняет нулевые поля значениями d (частичные переопределения из конфига).
func (c BreakerConfig) WithDefaults(d BreakerConfig) BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.BulkheadConcurrency == 0 {
		c.BulkheadConcurrency = d.BulkheadConcurrency
	}
	return c
}

// StateChangeFunc вызывается при каждом переходе состояния (метрики, логи).
type StateChangeFunc func(tool string, from, to State)

// Stats: снимок для наблюдаемости. Получение статистики ничего не меняет.
type Stats struct {
	Tool                string    `json:"tool"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	WindowFailures      int       `json:"window_failures"` // Ошибок в текущем скользящем окне
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	Rejected            uint64    `json:"rejected"`
	BulkheadRejected    uint64    `json:"bulkhead_rejected"`
	InFlight            int64     `json:"in_flight"`
	BulkheadCapacity    int64     `json:"bulkhead_capacity"`
	LastStateChange     time.Time `json:"last_state_change"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	OpenCooldownEndsAt  time.Time `json:"open_cooldown_ends_at,omitzero"`
}

// BreakerOption: необязательные зависимости предохранителя.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock подменяет источник времени для окна ошибок и паузы OPEN.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

// CircuitBreaker: gobreaker плюс bulkhead на семафоре.
// gobreaker ведет переходы и пропускает в HALF_OPEN ровно один пробный вызов.
// Паузу OPEN и скользящее окно ошибок считает сам CircuitBreaker по своим часам:
// собственный таймаут gobreaker сведен к минимуму, поэтому до него доходят
// только вызовы с уже истекшей паузой.
type CircuitBreaker struct {
	tool     string
	cfg      BreakerConfig
	cb       *gobreaker.CircuitBreaker
	bulkhead *semaphore.Weighted
	now      func() time.Time

	mu          sync.Mutex
	state       State
	lastChange  time.Time
	lastFailure time.Time
	lastSuccess time.Time
	failures    []time.Time // Ошибки в CLOSED внутри окна, по возрастанию

	rejected         atomic.Uint64
	bulkheadRejected atomic.Uint64
	inFlight         atomic.Int64
}

func NewCircuitBreaker(tool string, cfg BreakerConfig, onChange StateChangeFunc, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.BulkheadConcurrency <= 0 {
		cfg.BulkheadConcurrency = def.BulkheadConcurrency
	}

	b := &CircuitBreaker{
		tool:     tool,
		cfg:      cfg,
		bulkhead: semaphore.NewWeighted(cfg.BulkheadConcurrency),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastChange = b.now()

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 1,
		// Interval 0: gobreaker не обнуляет счетчики по поколениям, окно ведем сами
		Interval:    0,
		Timeout:     time.Nanosecond,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.recordFailure()
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			next := fromGobreaker(to)
			b.mu.Lock()
			// OPEN -> HALF_OPEN не сдвигает отсчет: это пробный вызов после паузы
			if next != StateHalfOpen {
				b.lastChange = b.now()
			}
			b.state = next
			b.failures = b.failures[:0]
			b.mu.Unlock()
			if onChange != nil {
				onChange(name, fromGobreaker(from), next)
			}
		},
	})
	return b
}

// recordFailure добавляет ошибку в окно и говорит, пора ли открываться.
// Вызывается gobreaker под его собственной блокировкой только в CLOSED.
func (b *CircuitBreaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	b.failures = append(b.failures, now)
	return uint32(len(b.failures)) >= b.cfg.FailureThreshold
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// cooling: OPEN и пауза еще не истекла. Оставшееся время для Retry-After.
func (b *CircuitBreaker) cooling() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0, false
	}
	remaining := b.lastChange.Add(b.cfg.OpenTimeout).Sub(b.now())
	return remaining, remaining > 0
}

// Execute: открытый предохранитель и полный bulkhead отказывают до вызова op.
// Отказ bulkhead не расходует попытку предохранителя. Слот bulkhead освобождается всегда.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	if remaining, ok := b.cooling(); ok {
		b.rejected.Add(1)
		return nil, b.openDenial(remaining)
	}

	if !b.bulkhead.TryAcquire(1) {
		b.bulkheadRejected.Add(1)
		d := domain.Deny(domain.CodeBulkheadFull, "tool %s is at its concurrency limit (%d)", b.tool, b.cfg.BulkheadConcurrency)
		d.RetryAfter = time.Second
		return nil, d
	}
	defer b.bulkhead.Release(1)
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	// Пауза истекла: gobreaker переводит OPEN -> HALF_OPEN и пускает один пробный вызов
	res, err := b.cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		remaining, _ := b.cooling()
		return nil, b.openDenial(remaining)
	}

	b.mu.Lock()
	if countsAsFailure(err) {
		b.lastFailure = b.now()
	} else {
		b.lastSuccess = b.now()
		// Успех обнуляет счет ошибок
		b.failures = b.failures[:0]
	}
	b.mu.Unlock()
	return res, err
}

func (b *CircuitBreaker) openDenial(remaining time.Duration) *domain.Denial {
	d := domain.Deny(domain.CodeCircuitOpen, "circuit for tool %s is open", b.tool)
	if remaining < time.Second {
		remaining = time.Second
	}
	d.RetryAfter = remaining
	return d
}

// State: текущее состояние без побочных эффектов. OPEN с истекшей паузой
// показывается как HALF_OPEN, переход делает следующий вызов Execute.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() State {
	if b.state == StateOpen && !b.now().Before(b.lastChange.Add(b.cfg.OpenTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// Stats: снимок, ничего не переключает.
func (b *CircuitBreaker) Stats() Stats {
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	state := b.stateLocked()
	s := Stats{
		Tool:                b.tool,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		WindowFailures:      len(b.failures),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		Rejected:            b.rejected.Load(),
		BulkheadRejected:    b.bulkheadRejected.Load(),
		InFlight:            b.inFlight.Load(),
		BulkheadCapacity:    b.cfg.BulkheadConcurrency,
		LastStateChange:     b.lastChange,
		LastFailure:         b.lastFailure,
		LastSuccess:         b.lastSuccess,
	}
	if state == StateOpen {
		s.OpenCooldownEndsAt = b.lastChange.Add(b.cfg.OpenTimeout)
	}
	return s
}
