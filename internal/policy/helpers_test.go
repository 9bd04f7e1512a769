package policy

import (
	"sync"
	"time"

	"github.com/xela07ax/agentgw/internal/audit"
	"github.com/xela07ax/agentgw/internal/domain"
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

type panickingAuditor struct{}

func (panickingAuditor) Log(audit.Decision) { panic("storage is gone") }

func ptr[T any](v T) *T { return &v }

func rolePolicy(id, role string, spec domain.PolicySpec, created time.Time) domain.Policy {
	return domain.Policy{ID: id, Name: id, Role: ptr(role), Spec: spec, Active: true, CreatedAt: created}
}

func agentPolicy(id, agentID string, spec domain.PolicySpec, created time.Time) domain.Policy {
	return domain.Policy{ID: id, Name: id, AgentID: ptr(agentID), Spec: spec, Active: true, CreatedAt: created}
}
