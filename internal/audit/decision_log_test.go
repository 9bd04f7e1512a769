package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingStorage struct{ calls atomic.Int32 }

func (s *failingStorage) WriteBatch(context.Context, []Decision) error {
	s.calls.Add(1)
	return errors.New("db is down")
}

func TestDecisionLogFlushesOnStop(t *testing.T) {
	store := &MemoryStorage{}
	l := NewDecisionLog(store, zap.NewNop(), Options{BatchSize: 1000, FlushInterval: time.Hour})
	l.Start()

	for i := 0; i < 250; i++ {
		l.Log(Decision{ID: "d", AgentID: "agent-1", Allowed: true})
	}
	l.Stop()

	events := store.Events()
	assert.Len(t, events, 250)
	assert.False(t, events[0].Timestamp.IsZero())

	// После остановки события отбрасываются без паники
	l.Log(Decision{ID: "late"})
	l.Stop()
	assert.Len(t, store.Events(), 250)
}

func TestDecisionLogBatchesBySize(t *testing.T) {
	store := &MemoryStorage{}
	l := NewDecisionLog(store, zap.NewNop(), Options{BatchSize: 10, FlushInterval: time.Hour})
	l.Start()
	defer l.Stop()

	for i := 0; i < 10; i++ {
		l.Log(Decision{ID: "d"})
	}
	require.Eventually(t, func() bool { return len(store.Events()) == 10 }, time.Second, 5*time.Millisecond)
}

func TestDecisionLogSheddingAndStorageErrors(t *testing.T) {
	var dropped atomic.Int32
	store := &failingStorage{}
	// Воркер не запущен: буфер на 2 события заполняется сразу
	l := NewDecisionLog(store, zap.NewNop(), Options{BufferSize: 2, OnDrop: func() { dropped.Add(1) }})
	for i := 0; i < 5; i++ {
		l.Log(Decision{ID: "d"})
	}
	assert.EqualValues(t, 3, dropped.Load())
	assert.Equal(t, 2, l.Pending())

	l.Start()
	l.Stop()
	assert.EqualValues(t, 1, store.calls.Load())
}

func TestLoggerStorageWritesEachDecision(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewDecisionLog(NewLoggerStorage(zap.New(core)), zap.NewNop(), Options{BatchSize: 100, FlushInterval: time.Hour})
	l.Start()
	l.Log(Decision{ID: "d-1", AgentID: "agent-1", Tool: "serpapi", Action: "search", Allowed: true, Reason: "ALLOWED"})
	l.Log(Decision{ID: "d-2", AgentID: "agent-1", Tool: "serpapi", Action: "search", Reason: "QUOTA_EXCEEDED"})
	l.Stop()

	entries := logs.FilterMessage("policy decision").All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	assert.Equal(t, "d-1", first["id"])
	assert.Equal(t, true, first["allowed"])
	assert.Equal(t, "QUOTA_EXCEEDED", entries[1].ContextMap()["reason"])
	assert.Equal(t, "decisions", entries[0].LoggerName)
}
