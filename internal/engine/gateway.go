package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/connectors"
	"github.com/xela07ax/agentgw/internal/crypto/agentcrypto"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/infra/auth"
	"github.com/xela07ax/agentgw/internal/policy"
	"github.com/xela07ax/agentgw/internal/token"
)

// AgentDirectory: реестр агентов (Postgres или файл).
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// ProxyRequest: тело POST /api/proxy-request.
type ProxyRequest struct {
	AgentToken      string         `json:"agent_token"`
	Tool            string         `json:"tool"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params"`
	TokenID         string         `json:"token_id,omitempty"`
	ProofPayload    string         `json:"proof_payload,omitempty"`
	EncryptResponse bool           `json:"encrypt_response,omitempty"`
}

type ProxyMetadata struct {
	AgentID        string   `json:"agent_id"`
	AgentName      string   `json:"agent_name"`
	Tool           string   `json:"tool"`
	Action         string   `json:"action"`
	ResponseTimeMs int64    `json:"response_time_ms"`
	TraceID        string   `json:"trace_id,omitempty"`
	PolicyIDs      []string `json:"policy_ids,omitempty"`
	Redacted       []string `json:"redacted_fields,omitempty"`
	Truncated      []string `json:"truncated_fields,omitempty"`
}

type ProxyResponse struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	EncryptedData string        `json:"encrypted_data,omitempty"`
	Metadata      ProxyMetadata `json:"metadata"`

	// Для заголовков X-Token-Rotation-Recommended и X-Token-Expires-At
	RotationRecommended bool      `json:"-"`
	TokenExpiresAt      time.Time `json:"-"`
}

// GenerateTokenRequest: тело POST /api/generate-token. ExpiresAt превращается в TTL.
type GenerateTokenRequest struct {
	AgentID     string    `json:"agent_id"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type GatewayOptions struct {
	// ProxyTimeout: общий таймаут вызова, включая все повторы.
	ProxyTimeout time.Duration
	Now          func() time.Time
}

// Gateway: ProxyHandler: токен → агент → политика → инструмент → фильтры ответа.
type Gateway struct {
	tokens     *token.Authority
	agents     AgentDirectory
	killSwitch *KillSwitch
	policies   *policy.Engine
	executor   *ToolExecutor
	proofs     *auth.ProofVerifier
	metrics    *Metrics
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewGateway(tokens *token.Authority, agents AgentDirectory, ks *KillSwitch, policies *policy.Engine,
	executor *ToolExecutor, metrics *Metrics, logger *zap.Logger, opts GatewayOptions,
) *Gateway {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProxyTimeout <= 0 {
		opts.ProxyTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		tokens:     tokens,
		agents:     agents,
		killSwitch: ks,
		policies:   policies,
		executor:   executor,
		proofs:     auth.NewProofVerifier(opts.Now),
		metrics:    metrics,
		timeout:    opts.ProxyTimeout,
		now:        opts.Now,
		logger:     logger.Named("gateway"),
	}
}

// GenerateToken выпускает токен для зарегистрированного и незаблокированного агента.
func (g *Gateway) GenerateToken(ctx context.Context, req GenerateTokenRequest) (*token.Issued, error) {
	if req.AgentID == "" {
		return nil, domain.Deny(domain.CodeBadRequest, "agent_id is required")
	}
	if req.ExpiresAt.IsZero() {
		return nil, domain.Deny(domain.CodeBadRequest, "expires_at is required")
	}
	if _, err := g.resolveAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}
	ttl := req.ExpiresAt.Sub(g.now())
	return g.tokens.Issue(ctx, req.AgentID, req.Tools, req.Permissions, ttl)
}

// ProxyRequest обрабатывает один вызов инструмента агентом.
// Отказы возвращаются как *domain.Denial, остальные ошибки: сбои инфраструктуры.
func (g *Gateway) ProxyRequest(ctx context.Context, req ProxyRequest) (resp *ProxyResponse, err error) {
	start, wallStart := g.now(), time.Now()
	g.metrics.TotalRequests.WithLabelValues(req.Tool, req.Action).Inc()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			if d, ok := domain.AsDenial(err); ok {
				status = string(d.Code)
				g.metrics.DenialsTotal.WithLabelValues(status).Inc()
			}
		}
		g.metrics.RequestDuration.WithLabelValues(req.Tool, status).Observe(time.Since(wallStart).Seconds())
	}()

	if req.AgentToken == "" || req.Tool == "" || req.Action == "" {
		return nil, domain.Deny(domain.CodeBadRequest, "agent_token, tool and action are required")
	}
	traceID := extractTraceID(ctx)

	// 1. Токен
	capability, err := g.tokens.Validate(ctx, req.AgentToken)
	if err != nil {
		return nil, err
	}
	if req.TokenID != "" && req.TokenID != capability.TokenID {
		return nil, domain.Deny(domain.CodeAuthenticationFailed, "token_id does not match agent_token")
	}
	if !capability.Grants(req.Tool, req.Action) {
		return nil, domain.Deny(domain.CodeScopeDenied, "token does not grant %s:%s", req.Tool, req.Action)
	}

	// 2. Агент и Kill-Switch (самая дешевая проверка, in-memory)
	agent, err := g.resolveAgent(ctx, capability.AgentID)
	if err != nil {
		return nil, err
	}

	// 3. Proof-of-possession, если у агента зарегистрирован ключ подписи
	if agent.SigningKey != "" {
		if err := g.proofs.Verify(agent.SigningKey, req.ProofPayload, agent.ID, capability.TokenID); err != nil {
			return nil, domain.Wrap(domain.CodeAuthenticationFailed, err, "proof of possession failed")
		}
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	evalReq := policy.Request{
		TraceID:     traceID,
		AgentID:     agent.ID,
		Role:        agent.Role,
		Tool:        req.Tool,
		Action:      req.Action,
		RequestData: params,
	}

	// 4. Политика до вызова
	pre, err := g.policies.Evaluate(ctx, evalReq)
	if err != nil {
		return nil, err
	}
	if !pre.Allowed {
		g.logDenial(traceID, agent.ID, req, pre.Denial)
		return nil, pre.Denial
	}

	// 5. Вызов инструмента через ResilienceLayer
	callCtx, cancel := context.WithTimeout(connectors.WithHostGuard(ctx, pre.HostGuard), g.timeout)
	defer cancel()
	data, err := g.executor.Execute(callCtx, req.Tool, req.Action, params)
	if err != nil {
		g.logDenial(traceID, agent.ID, req, err)
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}

	// 6. Политика после вызова: фильтры и блокировка ответа
	evalReq.ResponseData = data
	post, err := g.policies.Evaluate(ctx, evalReq)
	if err != nil {
		return nil, err
	}
	if !post.Allowed {
		g.logDenial(traceID, agent.ID, req, post.Denial)
		return nil, post.Denial
	}

	resp = &ProxyResponse{
		Success: true,
		Data:    post.FilteredData,
		Metadata: ProxyMetadata{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Tool:      req.Tool,
			Action:    req.Action,
			TraceID:   traceID,
			PolicyIDs: post.PolicyIDs,
			Redacted:  post.AppliedFilters.Redacted,
			Truncated: post.AppliedFilters.Truncated,
		},
		RotationRecommended: g.tokens.RotationRecommended(capability),
		TokenExpiresAt:      capability.ExpiresAt,
	}

	// 7. Шифрование результата ключом агента
	if req.EncryptResponse {
		if err := g.encryptFor(agent, resp); err != nil {
			return nil, err
		}
	}

	resp.Metadata.ResponseTimeMs = g.now().Sub(start).Milliseconds()
	g.logger.Debug("request proxied",
		zap.String("trace_id", traceID),
		zap.String("agent_id", agent.ID),
		zap.String("tool", req.Tool),
		zap.String("action", req.Action),
		zap.Int64("response_time_ms", resp.Metadata.ResponseTimeMs))
	return resp, nil
}

func (g *Gateway) resolveAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	if g.killSwitch.IsBlocked(agentID) {
		return nil, domain.Deny(domain.CodeAgentBlocked, "agent %s is blocked", agentID)
	}
	agent, err := g.agents.GetAgent(ctx, agentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Deny(domain.CodeAuthenticationFailed, "unknown agent")
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: agent lookup: %w", err)
	}
	if agent.IsBlocked() {
		return nil, domain.Deny(domain.CodeAgentBlocked, "agent %s is blocked", agentID)
	}
	return agent, nil
}

func (g *Gateway) encryptFor(agent *domain.Agent, resp *ProxyResponse) error {
	if agent.EncryptionKey == "" {
		return domain.Deny(domain.CodeBadRequest, "agent has no registered encryption key")
	}
	plain, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("gateway: encode result: %w", err)
	}
	sealed, err := agentcrypto.EncryptFor(agent.EncryptionKey, plain)
	if err != nil {
		return fmt.Errorf("gateway: encrypt result: %w", err)
	}
	resp.Data = nil
	resp.EncryptedData = sealed
	return nil
}

func (g *Gateway) logDenial(traceID, agentID string, req ProxyRequest, err error) {
	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("agent_id", agentID),
		zap.String("tool", req.Tool),
		zap.String("action", req.Action),
	}
	if d, ok := domain.AsDenial(err); ok {
		g.logger.Info("request denied", append(fields, zap.String("code", string(d.Code)), zap.String("reason", d.Message))...)
		return
	}
	g.logger.Error("request failed", append(fields, zap.Error(err))...)
}
