package audit

/*
Журнал решений политики (Decision Log).

- Log не блокирует горячий путь: событие кладется в буферизованный канал,
  при переполнении событие сбрасывается (load shedding) и об этом пишется в лог.
- Воркер копит события и пишет пачками по BatchSize или по таймеру FlushInterval.
- Stop закрывает вход и дожидается финального flush: при штатной остановке события не теряются.
- Ошибка хранилища логируется и никогда не поднимается до запроса агента.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются решения
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Decision) error
}

// Auditor: то, что нужно движку политик.
type Auditor interface {
	Log(event Decision)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// OnDrop вызывается при сбросе события (метрика переполнения)
	OnDrop func()
}

type DecisionLog struct {
	ch     chan Decision // Буфер для асинхронности
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// closeMu защищает отправку в канал от его закрытия в Stop
	closeMu sync.RWMutex
	closed  bool
}

func NewDecisionLog(repo Storage, logger *zap.Logger, opts Options) *DecisionLog {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &DecisionLog{
		ch:     make(chan Decision, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "decision_log")),
	}
}

func (l *DecisionLog) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (l *DecisionLog) Stop() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.closeMu.Unlock()

	l.logger.Info("stopping decision log: flushing buffer...")
	l.wg.Wait()
	l.logger.Info("decision log stopped gracefully")
}

func (l *DecisionLog) Log(event Decision) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.logger.Warn("decision dropped: log is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case l.ch <- event:
	default:
		// Backpressure: не тормозим запрос, теряем запись, но оставляем след в логе
		l.logger.Error("decision_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
			zap.String("reason", event.Reason),
		)
		if l.opts.OnDrop != nil {
			l.opts.OnDrop()
		}
	}
}

// Pending: заполненность буфера (для метрик).
func (l *DecisionLog) Pending() int {
	return len(l.ch)
}

func (l *DecisionLog) worker() {
	defer l.wg.Done()

	batch := make([]Decision, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.repo.WriteBatch(ctx, batch); err != nil {
			l.logger.Error("decision flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		batch = make([]Decision, 0, l.opts.BatchSize)
	}

	for {
		select {
		case event, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop: все, что было в очереди, уже вычитано
				flush()
				l.logger.Info("decision log worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LoggerStorage пишет решения в zap. Режим без БД: журнал уходит вместе с логами
// процесса и не копится в памяти.
type LoggerStorage struct {
	logger *zap.Logger
}

func NewLoggerStorage(logger *zap.Logger) *LoggerStorage {
	return &LoggerStorage{logger: logger.Named("decisions")}
}

func (s *LoggerStorage) WriteBatch(_ context.Context, events []Decision) error {
	for _, ev := range events {
		s.logger.Info("policy decision",
			zap.String("id", ev.ID),
			zap.String("trace_id", ev.TraceID),
			zap.String("agent_id", ev.AgentID),
			zap.String("policy_id", ev.PolicyID),
			zap.Strings("source_policies", ev.Sources),
			zap.String("spec_hash", ev.SpecHash),
			zap.String("tool", ev.Tool),
			zap.String("action", ev.Action),
			zap.String("phase", ev.Phase),
			zap.Bool("allowed", ev.Allowed),
			zap.String("reason", ev.Reason),
			zap.String("message", ev.Message),
			zap.String("request_hash", ev.RequestHash),
			zap.String("response_hash", ev.ResponseHash),
			zap.Time("decided_at", ev.Timestamp),
		)
	}
	return nil
}

// MemoryStorage держит решения в памяти без ограничения. Только для тестов.
type MemoryStorage struct {
	mu     sync.Mutex
	events []Decision
}

func (s *MemoryStorage) WriteBatch(_ context.Context, events []Decision) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Events() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.events...)
}
