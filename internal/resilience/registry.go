package resilience

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry: предохранители по имени инструмента. Состояние локально для процесса:
// инстансы шлюза не синхронизируют свои предохранители.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	onChange  StateChangeFunc
	now       func() time.Time
	logger    *zap.Logger
}

type RegistryOption func(*Registry)

// WithToolConfig задает отдельные настройки для инструмента.
func WithToolConfig(tool string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[tool] = cfg }
}

// WithStateChange подписывает на переходы состояний всех предохранителей.
func WithStateChange(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithClock задает часы всем предохранителям реестра.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(defaults BreakerConfig, logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig),
		logger:    logger.Named("breakers"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get лениво создает предохранитель инструмента.
func (r *Registry) Get(tool string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[tool]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[tool]; ok {
		return b
	}
	b = r.newBreaker(tool)
	r.breakers[tool] = b
	return b
}

func (r *Registry) newBreaker(tool string) *CircuitBreaker {
	cfg, ok := r.overrides[tool]
	if !ok {
		cfg = r.defaults
	}
	return NewCircuitBreaker(tool, cfg, func(name string, from, to State) {
		r.logger.Warn("circuit state changed",
			zap.String("tool", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		if r.onChange != nil {
			r.onChange(name, from, to)
		}
	}, WithBreakerClock(r.now))
}

// Reset возвращает предохранители в CLOSED. Без аргументов сбрасывает все.
// Вызовы, уже идущие через старый предохранитель, завершаются на нем.
func (r *Registry) Reset(tools ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(tools) == 0 {
		for tool := range r.breakers {
			tools = append(tools, tool)
		}
	}
	n := 0
	for _, tool := range tools {
		old, ok := r.breakers[tool]
		if !ok {
			continue
		}
		if prev := old.State(); prev != StateClosed && r.onChange != nil {
			r.onChange(tool, prev, StateClosed)
		}
		r.breakers[tool] = r.newBreaker(tool)
		n++
	}
	r.logger.Info("circuit breakers reset", zap.Int("count", n))
	return n
}

// Stats: снимки всех созданных предохранителей, отсортированные по инструменту.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}
