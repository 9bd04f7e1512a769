package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/agentgw/internal/domain"
)

// QuotaStore: счетчики квот. IncrementBelow обязан быть атомарным на стороне хранилища:
// несколько инстансов шлюза инкрементят один и тот же ключ.
type QuotaStore interface {
	// Current возвращает текущее значение счетчика (0, если его нет).
	Current(ctx context.Context, policyID, key string) (int64, error)
	// IncrementBelow увеличивает счетчик, только если он меньше limit.
	// Возвращает значение после операции и признак успешного инкремента.
	IncrementBelow(ctx context.Context, policyID, key string, limit int64, resetAt time.Time) (int64, bool, error)
	// DeleteExpired удаляет счетчики с resetAt <= now и возвращает их число.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Bucket: ключ и граница окна квоты для момента now. Окна считаются в UTC.
//
//	1h:  "action:2026-03-10:12"
//	24h: "action:2026-03-10"
//	7d:  "action:<понедельник недели>"
func Bucket(action string, window domain.Window, now time.Time) (key string, resetAt time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch window {
	case domain.WindowHour:
		start := day.Add(time.Duration(now.Hour()) * time.Hour)
		return fmt.Sprintf("%s:%s:%02d", action, day.Format(time.DateOnly), now.Hour()), start.Add(time.Hour)
	case domain.WindowWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Понедельник = 0
		monday := day.AddDate(0, 0, -offset)
		return fmt.Sprintf("%s:%s", action, monday.Format(time.DateOnly)), monday.AddDate(0, 0, 7)
	default:
		return fmt.Sprintf("%s:%s", action, day.Format(time.DateOnly)), day.AddDate(0, 0, 1)
	}
}

type quotaCounter struct {
	current int64
	resetAt time.Time
}

type counterKey struct {
	policyID, key string
}

// MemoryQuotaStore: счетчики в памяти процесса. Для одного инстанса и тестов.
type MemoryQuotaStore struct {
	mu       sync.Mutex
	counters map[counterKey]*quotaCounter
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counters: make(map[counterKey]*quotaCounter)}
}

func (s *MemoryQuotaStore) Current(_ context.Context, policyID, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[counterKey{policyID, key}]; ok {
		return c.current, nil
	}
	return 0, nil
}

func (s *MemoryQuotaStore) IncrementBelow(_ context.Context, policyID, key string, limit int64, resetAt time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := counterKey{policyID, key}
	c, ok := s.counters[ck]
	if !ok {
		c = &quotaCounter{resetAt: resetAt}
		s.counters[ck] = c
	}
	if c.current >= limit {
		return c.current, false, nil
	}
	c.current++
	return c.current, true, nil
}

func (s *MemoryQuotaStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.counters {
		if !c.resetAt.After(now) {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}
