package connectors

import (
	"context"
	"fmt"
	"sync"
)

// Adapter: исполнитель инструмента. Формат params и результата определяет сам инструмент.
type Adapter interface {
	Call(ctx context.Context, tool, action string, params map[string]any) (any, error)
}

// AdapterFunc позволяет использовать функцию как Adapter.
type AdapterFunc func(ctx context.Context, tool, action string, params map[string]any) (any, error)

func (f AdapterFunc) Call(ctx context.Context, tool, action string, params map[string]any) (any, error) {
	return f(ctx, tool, action, params)
}

// Registry: адаптеры по имени инструмента.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(tool string, a Adapter) {
	r.mu.Lock()
	r.adapters[tool] = a
	r.mu.Unlock()
}

func (r *Registry) Resolve(tool string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tool]
	if !ok {
		return nil, fmt.Errorf("connectors: no adapter for tool %q", tool)
	}
	return a, nil
}

func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// HostGuard проверяет хост, к которому адаптер собирается обратиться сам.
type HostGuard func(host string) error

type hostGuardKey struct{}

// WithHostGuard кладет проверку хостов в контекст вызова. nil ничего не меняет.
func WithHostGuard(ctx context.Context, guard HostGuard) context.Context {
	if guard == nil {
		return ctx
	}
	return context.WithValue(ctx, hostGuardKey{}, guard)
}

func hostGuardFrom(ctx context.Context) HostGuard {
	guard, _ := ctx.Value(hostGuardKey{}).(HostGuard)
	return guard
}
