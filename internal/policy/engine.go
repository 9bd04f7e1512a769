package policy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/audit"
	"github.com/xela07ax/agentgw/internal/domain"
)

const (
	PhaseRequest  = "request"
	PhaseResponse = "response"

	previewLimit = 512
)

// Repository: источник политик. Возвращает только активные политики агента и его роли.
type Repository interface {
	ListApplicable(ctx context.Context, agentID, role string) ([]domain.Policy, error)
}

// Request: один вызов Evaluate. ResponseData != nil означает фазу ответа.
type Request struct {
	TraceID      string
	AgentID      string
	Role         string
	Tool         string
	Action       string
	RequestData  map[string]any
	ResponseData any
}

func (r Request) phase() string {
	if r.ResponseData != nil {
		return PhaseResponse
	}
	return PhaseRequest
}

// Result: решение движка. Отказ политики: это результат, а не ошибка:
// error возвращается только при сбое инфраструктуры.
type Result struct {
	Allowed        bool                `json:"allowed"`
	Denial         *domain.Denial      `json:"-"`
	PolicyIDs      []string            `json:"policy_ids,omitempty"`
	Quotas         []domain.QuotaState `json:"quotas,omitempty"`
	FilteredData   any                 `json:"-"`
	AppliedFilters AppliedFilters      `json:"applied_filters"`

	// HostGuard: проверка хостов, до которых инструмент доберется сам
	// (редиректы http_fetch). Заполняется в разрешенной фазе запроса.
	HostGuard func(host string) error `json:"-"`
}

type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	Now       func() time.Time
}

// Engine: PolicyEngine шлюза. Состояние между вызовами живет только в QuotaStore.
type Engine struct {
	repo      Repository
	quotas    QuotaStore
	decisions audit.Auditor
	cache     *TTLCache[string, *MergeResult]
	now       func() time.Time
	logger    *zap.Logger
}

func NewEngine(repo Repository, quotas QuotaStore, decisions audit.Auditor, logger *zap.Logger, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	return &Engine{
		repo:      repo,
		quotas:    quotas,
		decisions: decisions,
		cache:     NewTTLCache[string, *MergeResult](opts.CacheTTL, opts.CacheSize, opts.Now),
		now:       opts.Now,
		logger:    logger.Named("policy"),
	}
}

// Invalidate сбрасывает кэш слитых политик (сигнал об изменении политик).
func (e *Engine) Invalidate() {
	e.cache.Purge()
	e.logger.Debug("merged policy cache purged")
}

// LoadMergedPolicies возвращает nil, nil, если к агенту не применима ни одна политика.
func (e *Engine) LoadMergedPolicies(ctx context.Context, agentID, role string) (*MergeResult, error) {
	cacheKey := agentID + "|" + role
	if m, ok := e.cache.Get(cacheKey); ok {
		return m, nil
	}

	policies, err := e.repo.ListApplicable(ctx, agentID, role)
	if err != nil {
		return nil, fmt.Errorf("policy: load policies for %s: %w", agentID, err)
	}
	applicable := policies[:0:0]
	for _, p := range policies {
		if p.AppliesTo(agentID, role) {
			applicable = append(applicable, p)
		}
	}

	merged, err := Merge(applicable)
	if err != nil {
		return nil, err
	}
	if merged != nil {
		e.cache.Set(cacheKey, merged)
	}
	return merged, nil
}

// Evaluate проходит конвейер проверок до первого отказа:
// политика, scope, guards, расписание, квота (фаза запроса) или фильтры ответа (фаза ответа).
// На каждый вызов пишется одна запись в журнал решений.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	phase := req.phase()
	reqRaw, err := json.Marshal(req.RequestData)
	if err != nil {
		return nil, fmt.Errorf("policy: encode request: %w", err)
	}
	var respRaw []byte
	if phase == PhaseResponse {
		if respRaw, err = json.Marshal(req.ResponseData); err != nil {
			return nil, fmt.Errorf("policy: encode response: %w", err)
		}
	}

	merged, err := e.LoadMergedPolicies(ctx, req.AgentID, req.Role)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if merged != nil {
		res.PolicyIDs = merged.SourcePolicies
	}
	if phase == PhaseRequest {
		err = e.evaluateRequest(ctx, req, merged, reqRaw, res)
	} else {
		err = e.evaluateResponse(req, merged, respRaw, res)
	}
	if err != nil {
		return nil, err
	}
	res.Allowed = res.Denial == nil

	e.record(req, phase, merged, res, reqRaw, respRaw)
	return res, nil
}

func (e *Engine) evaluateRequest(ctx context.Context, req Request, merged *MergeResult, raw []byte, res *Result) error {
	if d := e.checkCommon(req, merged); d != nil {
		res.Denial = d
		return nil
	}
	m, c := &merged.Spec, merged.compiled

	if d := checkRequestSize(m, len(raw)); d != nil {
		res.Denial = d
		return nil
	}
	if d := checkDomains(m, req.RequestData); d != nil {
		res.Denial = d
		return nil
	}
	if d := c.checkPII(req.RequestData); d != nil {
		res.Denial = d
		return nil
	}
	if d := c.checkSchedule(e.now()); d != nil {
		res.Denial = d
		return nil
	}

	quotas, d, err := e.consumeQuotas(ctx, req, m.Quotas)
	if err != nil {
		return err
	}
	res.Quotas = quotas
	res.Denial = d
	if d == nil {
		res.HostGuard = hostGuard(m)
	}
	return nil
}

func hostGuard(m *MergedSpec) func(string) error {
	if !m.DomainsRestricted && len(m.BlockedDomains) == 0 {
		return nil
	}
	return func(host string) error {
		// nil *Denial в error не превращаем
		if d := m.CheckHost(host); d != nil {
			return d
		}
		return nil
	}
}

// evaluateResponse не трогает квоты: они уже списаны в фазе запроса.
func (e *Engine) evaluateResponse(req Request, merged *MergeResult, raw []byte, res *Result) error {
	if d := e.checkCommon(req, merged); d != nil {
		res.Denial = d
		return nil
	}
	m, c := &merged.Spec, merged.compiled

	if d := checkResponseSize(m, len(raw)); d != nil {
		res.Denial = d
		return nil
	}
	if hits := c.blockedBy(raw); len(hits) > 0 {
		res.AppliedFilters.BlockedPatterns = hits
		res.Denial = domain.Deny(domain.CodeResponseBlocked, "response matched %d blocked pattern(s)", len(hits))
		return nil
	}

	data, applied, err := c.filterResponse(raw)
	if err != nil {
		return err
	}
	res.FilteredData = data
	res.AppliedFilters = applied
	return nil
}

func (e *Engine) checkCommon(req Request, merged *MergeResult) *domain.Denial {
	if merged == nil {
		return domain.Deny(domain.CodeNoPolicy, "no active policy for agent %s", req.AgentID)
	}
	scope := req.Tool + ":" + req.Action
	if !merged.allowsScope(scope) {
		return domain.Deny(domain.CodeScopeDenied, "scope %s is not permitted", scope)
	}
	return nil
}

// consumeQuotas сначала читает все подходящие счетчики и инкрементит их,
// только если ни один не исчерпан: отклоненный запрос квоту не тратит.
func (e *Engine) consumeQuotas(ctx context.Context, req Request, quotas []BoundQuota) ([]domain.QuotaState, *domain.Denial, error) {
	type slot struct {
		q       BoundQuota
		key     string
		resetAt time.Time
	}
	now := e.now()
	var slots []slot
	for _, q := range quotas {
		if !q.Matches(req.Tool, req.Action) {
			continue
		}
		key, resetAt := Bucket(q.Action, q.Window, now)
		slots = append(slots, slot{q: q, key: key, resetAt: resetAt})
	}

	for _, s := range slots {
		current, err := e.quotas.Current(ctx, s.q.PolicyID, s.key)
		if err != nil {
			return nil, nil, fmt.Errorf("policy: read quota %s: %w", s.key, err)
		}
		if current >= s.q.Limit {
			return nil, quotaDenial(s.q, current, s.resetAt, now), nil
		}
	}

	states := make([]domain.QuotaState, 0, len(slots))
	for _, s := range slots {
		current, ok, err := e.quotas.IncrementBelow(ctx, s.q.PolicyID, s.key, s.q.Limit, s.resetAt)
		if err != nil {
			return nil, nil, fmt.Errorf("policy: increment quota %s: %w", s.key, err)
		}
		if !ok {
			// Конкурентный запрос успел забрать последний слот
			return nil, quotaDenial(s.q, current, s.resetAt, now), nil
		}
		states = append(states, domain.QuotaState{
			PolicyID: s.q.PolicyID, Action: s.q.Action, Current: current, Limit: s.q.Limit, ResetAt: s.resetAt,
		})
	}
	return states, nil, nil
}

func quotaDenial(q BoundQuota, current int64, resetAt, now time.Time) *domain.Denial {
	d := domain.Deny(domain.CodeQuotaExceeded, "quota for %s exceeded: %d/%d per %s", q.Action, current, q.Limit, q.Window)
	d.RetryAfter = resetAt.Sub(now)
	d.Quota = &domain.QuotaState{
		PolicyID: q.PolicyID, Action: q.Action, Current: current, Limit: q.Limit, ResetAt: resetAt,
	}
	return d
}

// ResetExpiredQuotaCounters удаляет счетчики прошедших окон. Текущее окно не трогается,
// поэтому конкурентные инкременты не теряются.
func (e *Engine) ResetExpiredQuotaCounters(ctx context.Context) (int64, error) {
	n, err := e.quotas.DeleteExpired(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("policy: reset expired quota counters: %w", err)
	}
	if n > 0 {
		e.logger.Debug("expired quota counters removed", zap.Int64("count", n))
	}
	return n, nil
}

// RunQuotaSweeper вызывает ResetExpiredQuotaCounters с интервалом до отмены ctx.
// Неположительный интервал выключает очистку.
func (e *Engine) RunQuotaSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Warn("quota sweeper disabled", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ResetExpiredQuotaCounters(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("quota sweep failed", zap.Error(err))
			}
		}
	}
}

// record пишет решение в журнал. Ошибки журнала не влияют на запрос.
func (e *Engine) record(req Request, phase string, merged *MergeResult, res *Result, reqRaw, respRaw []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decision log failed", zap.Any("panic", r))
		}
	}()
	if e.decisions == nil {
		return
	}

	ev := audit.Decision{
		ID:             uuid.NewString(),
		TraceID:        req.TraceID,
		AgentID:        req.AgentID,
		Tool:           req.Tool,
		Action:         req.Action,
		Phase:          phase,
		Allowed:        res.Allowed,
		Reason:         "ALLOWED",
		RequestHash:    hashHex(reqRaw),
		RequestPreview: preview(reqRaw),
		Timestamp:      e.now().UTC(),
	}
	if merged != nil {
		ev.PolicyID = merged.LastPolicyID()
		ev.Sources = merged.SourcePolicies
		ev.SpecHash = combinedHash(merged.SourceHashes)
	}
	if res.Denial != nil {
		ev.Reason = string(res.Denial.Code)
		ev.Message = res.Denial.Message
		e.logger.Info("request denied",
			zap.String("agent_id", req.AgentID),
			zap.String("scope", req.Tool+":"+req.Action),
			zap.String("phase", phase),
			zap.String("reason", ev.Reason))
	}
	if respRaw != nil {
		ev.ResponseHash = hashHex(respRaw)
		ev.ResponsePreview = preview(respRaw)
	}
	e.decisions.Log(ev)
}

func hashHex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func combinedHash(hashes []string) string {
	if len(hashes) == 1 {
		return hashes[0]
	}
	h := blake3.New()
	for _, s := range hashes {
		_, _ = h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func preview(b []byte) string {
	if len(b) <= previewLimit {
		return string(b)
	}
	s, _ := truncate(string(b), previewLimit)
	return s
}
