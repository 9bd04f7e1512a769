package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/agentgw/internal/console/handler"
	"github.com/xela07ax/agentgw/internal/console/service"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/infra"
	"github.com/xela07ax/agentgw/internal/infra/auth"
	"github.com/xela07ax/agentgw/internal/repository/filestore"
	"github.com/xela07ax/agentgw/internal/repository/redisstore"
	"github.com/xela07ax/agentgw/internal/resilience"
)

type userRepo struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func (r *userRepo) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) CreateUser(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Username] = *u
	return nil
}

type policyRepo struct {
	mu       sync.Mutex
	policies map[string]domain.Policy
}

func (r *policyRepo) GetPolicy(_ context.Context, id string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *policyRepo) ListPolicies(context.Context) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Policy
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out, nil
}

func (r *policyRepo) CreatePolicy(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = *p
	return nil
}

func (r *policyRepo) UpdatePolicy(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.policies[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	old.Name, old.Spec, old.SpecHash = p.Name, p.Spec, p.SpecHash
	r.policies[p.ID] = old
	return nil
}

func (r *policyRepo) SetPolicyActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Active = active
	r.policies[id] = p
	return nil
}

type revoker struct{ revoked []string }

func (r *revoker) Revoke(_ context.Context, id string) error {
	if id == "missing" {
		return domain.ErrNotFound
	}
	r.revoked = append(r.revoked, id)
	return nil
}

type consoleFixture struct {
	srv      *httptest.Server
	users    *service.AuthService
	agents   *filestore.Store
	policies *policyRepo
	tokens   *revoker
	breakers *resilience.Registry
	redis    *miniredis.Miniredis
	signals  *redisstore.Signals
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()
	logger := zap.NewNop()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	signals := redisstore.NewSignals(rdb)

	agents, err := filestore.New(&filestore.Bundle{
		Agents: []domain.Agent{{ID: "agent-1", Name: "research-bot", Role: "researcher", Status: domain.StatusActive}},
	})
	require.NoError(t, err)

	f := &consoleFixture{
		users:    service.NewAuthService(&userRepo{users: map[string]domain.User{}}, key, time.Hour, bcrypt.MinCost),
		agents:   agents,
		policies: &policyRepo{policies: map[string]domain.Policy{}},
		tokens:   &revoker{},
		breakers: resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger),
		redis:    mr,
		signals:  signals,
	}

	srv := NewConsoleServer(auth.NewOperatorValidator(&key.PublicKey, auth.WithIssuer(auth.OperatorIssuer)), logger, Handlers{
		Auth:     handler.NewAuthHandler(f.users),
		Agents:   handler.NewAgentHandler(service.NewAgentService(agents, signals, logger)),
		Policies: handler.NewPolicyHandler(service.NewPolicyService(f.policies, signals, logger)),
		Tokens:   handler.NewTokenHandler(f.tokens),
		Breakers: handler.NewBreakerHandler(f.breakers),
	})
	f.srv = httptest.NewServer(srv)
	t.Cleanup(f.srv.Close)
	return f
}

// login заводит оператора и возвращает его Bearer-токен.
func (f *consoleFixture) login(t *testing.T, username string, scopes ...string) string {
	t.Helper()
	_, err := f.users.EnsureUser(context.Background(), username, "s3cret", scopes)
	require.NoError(t, err)

	resp := f.do(t, "", http.MethodPost, "/auth/token", domain.LoginRequest{Username: username, Password: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok domain.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.EqualValues(t, 3600, tok.ExpiresIn)
	return "Bearer " + tok.AccessToken
}

func (f *consoleFixture) do(t *testing.T, bearer, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLogin(t *testing.T) {
	f := newConsoleFixture(t)
	f.login(t, "alice", auth.ScopeAdmin)

	resp := f.do(t, "", http.MethodPost, "/auth/token", domain.LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "", http.MethodPost, "/auth/token", domain.LoginRequest{Username: "nobody", Password: "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Повторный EnsureUser не меняет пароль
	created, err := f.users.EnsureUser(context.Background(), "alice", "other", nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newConsoleFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/health", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "", http.MethodGet, "/v1/agents", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "Bearer garbage", http.MethodGet, "/v1/agents", nil).StatusCode)

	reader := f.login(t, "viewer", auth.ScopeAgentsRead)
	assert.Equal(t, http.StatusOK, f.do(t, reader, http.MethodGet, "/v1/agents", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, reader, http.MethodPost, "/v1/agents/agent-1/block", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, reader, http.MethodGet, "/v1/breakers", nil).StatusCode)
}

func TestAgentLifecycle(t *testing.T) {
	f := newConsoleFixture(t)
	admin := f.login(t, "root", auth.ScopeAdmin)
	ctx := context.Background()

	resp := f.do(t, admin, http.MethodPost, "/v1/agents", service.RegisterAgentRequest{
		ID: "agent-2", Name: "mailer", Role: "assistant",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, domain.StatusActive, created.Status)

	t.Run("invalid keys are rejected", func(t *testing.T) {
		resp := f.do(t, admin, http.MethodPost, "/v1/agents", service.RegisterAgentRequest{
			Name: "bad", Role: "assistant", EncryptionKey: "not-an-age-key",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = f.do(t, admin, http.MethodPost, "/v1/agents", service.RegisterAgentRequest{
			Name: "bad", Role: "assistant", SigningKey: "AAAA",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("block publishes kill-switch", func(t *testing.T) {
		ps := redis.NewClient(&redis.Options{Addr: f.redis.Addr()}).Subscribe(ctx, infra.RedisChanKillSwitch)
		t.Cleanup(func() { _ = ps.Close() })
		_, err := ps.Receive(ctx)
		require.NoError(t, err)

		resp := f.do(t, admin, http.MethodPost, "/v1/agents/agent-2/block", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		msg, err := ps.ReceiveMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "agent-2:true", msg.Payload)

		a, err := f.agents.GetAgent(ctx, "agent-2")
		require.NoError(t, err)
		assert.True(t, a.IsBlocked())

		blocked, err := f.signals.BlockedAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"agent-2"}, blocked)
	})

	t.Run("unblock", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, f.do(t, admin, http.MethodPost, "/v1/agents/agent-2/unblock", nil).StatusCode)
		blocked, err := f.signals.BlockedAgents(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocked)
	})

	assert.Equal(t, http.StatusNotFound, f.do(t, admin, http.MethodPost, "/v1/agents/ghost/block", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, admin, http.MethodGet, "/v1/agents/ghost", nil).StatusCode)
}

func TestPolicyCRUD(t *testing.T) {
	f := newConsoleFixture(t)
	writer := f.login(t, "ops", auth.ScopePoliciesRead, auth.ScopePoliciesWrite)
	role := "researcher"

	t.Run("invalid spec returns field errors", func(t *testing.T) {
		resp := f.do(t, writer, http.MethodPost, "/v1/policies", domain.Policy{
			Name: "broken", Role: &role,
			Spec: domain.PolicySpec{Scopes: []string{"no-colon"}},
		})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		var body struct {
			OK     bool                `json:"ok"`
			Fields map[string][]string `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.False(t, body.OK)
		assert.Contains(t, body.Fields, "scopes")
	})

	t.Run("binding must be agent or role", func(t *testing.T) {
		resp := f.do(t, writer, http.MethodPost, "/v1/policies", domain.Policy{
			Name: "unbound", Spec: domain.PolicySpec{Scopes: []string{"serpapi:search"}},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	resp := f.do(t, writer, http.MethodPost, "/v1/policies", domain.Policy{
		ID: "pol-1", Name: "research", Role: &role,
		Spec: domain.PolicySpec{Scopes: []string{"serpapi:search", "email:send"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Policy
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, created.Active)
	assert.Len(t, created.SpecHash, 64)

	// Тот же набор scopes в другом порядке дает тот же хэш
	resp = f.do(t, writer, http.MethodPut, "/v1/policies/pol-1", domain.Policy{
		Name: "research", Spec: domain.PolicySpec{Scopes: []string{"email:send", "serpapi:search"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated domain.Policy
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.Equal(t, created.SpecHash, updated.SpecHash)

	require.Equal(t, http.StatusNoContent, f.do(t, writer, http.MethodPost, "/v1/policies/pol-1/disable", nil).StatusCode)
	p, err := f.policies.GetPolicy(context.Background(), "pol-1")
	require.NoError(t, err)
	assert.False(t, p.Active)

	assert.Equal(t, http.StatusNotFound, f.do(t, writer, http.MethodPost, "/v1/policies/ghost/enable", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, writer, http.MethodPut, "/v1/policies/ghost", domain.Policy{
		Name: "x", Spec: domain.PolicySpec{Scopes: []string{"a:b"}},
	}).StatusCode)

	resp = f.do(t, writer, http.MethodPost, "/v1/policies/validate", domain.PolicySpec{
		Scopes: []string{"serpapi:search"},
		Quotas: []domain.Quota{{Action: "search", Limit: 0, Window: "1m"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var vr struct {
		OK     bool                `json:"ok"`
		Fields map[string][]string `json:"fields"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vr))
	assert.False(t, vr.OK)
	assert.Contains(t, vr.Fields, "quotas[0].limit")
	assert.Contains(t, vr.Fields, "quotas[0].window")
}

func TestTokenRevoke(t *testing.T) {
	f := newConsoleFixture(t)
	op := f.login(t, "sec", auth.ScopeTokensRevoke)

	assert.Equal(t, http.StatusNoContent, f.do(t, op, http.MethodPost, "/v1/tokens/tok-1/revoke", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, op, http.MethodPost, "/v1/tokens/missing/revoke", nil).StatusCode)
	assert.Equal(t, []string{"tok-1"}, f.tokens.revoked)
}

func TestBreakerStatsAndReset(t *testing.T) {
	f := newConsoleFixture(t)
	op := f.login(t, "sre", auth.ScopeBreakersManage)

	b := f.breakers.Get("serpapi")
	f.breakers.Get("email")
	for range 5 {
		_, _ = b.Execute(context.Background(), func(context.Context) (any, error) {
			return nil, assert.AnError
		})
	}
	require.Equal(t, resilience.StateOpen, b.State())

	resp := f.do(t, op, http.MethodGet, "/v1/breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []resilience.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "email", stats[0].Tool)
	assert.Equal(t, resilience.StateOpen, stats[1].State)

	resp = f.do(t, op, http.MethodPost, "/v1/breakers/reset", map[string][]string{"tools": {"serpapi"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out["reset"])
	assert.Equal(t, resilience.StateClosed, f.breakers.Get("serpapi").State())

	// Пустое тело сбрасывает все
	resp = f.do(t, op, http.MethodPost, "/v1/breakers/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out["reset"])
}
