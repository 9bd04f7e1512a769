package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/audit"
	"github.com/xela07ax/agentgw/internal/connectors"
	"github.com/xela07ax/agentgw/internal/crypto/envelope"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/policy"
	"github.com/xela07ax/agentgw/internal/resilience"
	"github.com/xela07ax/agentgw/internal/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type agentMap map[string]*domain.Agent

func (m agentMap) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	a, ok := m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m agentMap) ListBlockedAgentIDs(context.Context) ([]string, error) {
	var ids []string
	for id, a := range m {
		if a.IsBlocked() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Decision
}

func (a *recordingAuditor) Log(ev audit.Decision) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *recordingAuditor) Events() []audit.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Decision(nil), a.events...)
}

type fixture struct {
	gw         *Gateway
	clock      *testClock
	tokens     *token.Authority
	policies   *policy.MemoryRepository
	engine     *policy.Engine
	agents     agentMap
	killSwitch *KillSwitch
	decisions  *recordingAuditor
	adapters   *connectors.Registry
	breakers   *resilience.Registry
}

func ptr[T any](v T) *T { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	// Вторник, середина рабочего дня
	clock := &testClock{t: time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)}

	kek, err := envelope.GenerateKey()
	require.NoError(t, err)
	tokens, err := token.NewAuthority(kek, token.NewMemoryRegistry(), logger, token.Options{Now: clock.Now})
	require.NoError(t, err)

	repo := policy.NewMemoryRepository()
	decisions := &recordingAuditor{}
	pe := policy.NewEngine(repo, policy.NewMemoryQuotaStore(), decisions, logger, policy.Options{Now: clock.Now})

	adapters := connectors.NewRegistry()
	adapters.Register("serpapi", &connectors.MockConnector{})
	adapters.Register("email", &connectors.MockConnector{})
	adapters.Register("unstable", &connectors.MockConnector{})

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:    3,
		Window:              time.Minute,
		OpenTimeout:         5 * time.Second,
		BulkheadConcurrency: 4,
	}, logger)
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxRetries:          2,
		BaseDelay:           time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		NonRetryableActions: []string{"send"},
	}, logger, nil)
	executor := NewToolExecutor(adapters, breakers, retry, RateLimit{}, time.Second, logger)

	agents := agentMap{
		"agent-1": {ID: "agent-1", Name: "research-bot", Role: "researcher", Status: domain.StatusActive},
	}
	ks := NewKillSwitch(logger)
	gw := NewGateway(tokens, agents, ks, pe, executor, nil, logger, GatewayOptions{Now: clock.Now})

	return &fixture{
		gw: gw, clock: clock, tokens: tokens, policies: repo, engine: pe, agents: agents,
		killSwitch: ks, decisions: decisions, adapters: adapters, breakers: breakers,
	}
}

func (f *fixture) putPolicy(t *testing.T, p domain.Policy) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = f.clock.Now()
	}
	p.Active = true
	require.NoError(t, f.policies.Put(p))
	f.engine.Invalidate()
}

func (f *fixture) issue(t *testing.T, agentID string, tools, perms []string) *token.Issued {
	t.Helper()
	issued, err := f.tokens.Issue(context.Background(), agentID, tools, perms, time.Hour)
	require.NoError(t, err)
	return issued
}
