package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/policy"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (*domain.Policy, error)
	ListPolicies(ctx context.Context) ([]domain.Policy, error)
	CreatePolicy(ctx context.Context, p *domain.Policy) error
	UpdatePolicy(ctx context.Context, p *domain.Policy) error
	SetPolicyActive(ctx context.Context, id string, active bool) error
}

// PolicyNotifier оповещает шлюзы, что кэш политик устарел.
type PolicyNotifier interface {
	PublishPolicyUpdate(ctx context.Context, policyID string) error
}

type PolicyService struct {
	repo     PolicyRepository
	notifier PolicyNotifier
	logger   *zap.Logger
}

// NewPolicyService: notifier может быть nil, тогда шлюзы подхватят изменения по TTL кэша.
func NewPolicyService(repo PolicyRepository, notifier PolicyNotifier, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:     repo,
		notifier: notifier,
		logger:   logger.Named("policy-service"),
	}
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// GetAll возвращает все политики, включая выключенные
func (s *PolicyService) GetAll(ctx context.Context) ([]domain.Policy, error) {
	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if policies == nil {
		return []domain.Policy{}, nil
	}
	return policies, nil
}

// Validate: сухая проверка спецификации без записи.
func (s *PolicyService) Validate(spec *domain.PolicySpec) policy.ValidationResult {
	return policy.ValidateSpec(spec)
}

// Create проверяет спецификацию, считает specHash, сохраняет и уведомляет шлюзы
func (s *PolicyService) Create(ctx context.Context, p *domain.Policy) error {
	if (p.AgentID == nil) == (p.Role == nil) {
		return fmt.Errorf("%w: exactly one of agent_id and role must be set", ErrInvalidInput)
	}
	if err := s.prepare(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Active = true

	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.logger.Info("policy created", zap.String("policy_id", p.ID), zap.String("spec_hash", p.SpecHash))
	s.notifyUpdate(ctx, p.ID)
	return nil
}

// Update меняет имя и спецификацию. Привязка к агенту/роли неизменна.
func (s *PolicyService) Update(ctx context.Context, p *domain.Policy) error {
	if err := s.prepare(p); err != nil {
		return err
	}
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	s.logger.Info("policy updated", zap.String("policy_id", p.ID), zap.String("spec_hash", p.SpecHash))
	s.notifyUpdate(ctx, p.ID)
	return nil
}

// SetActive: мягкое включение/выключение. Удаления нет: на политики ссылается журнал решений.
func (s *PolicyService) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.repo.SetPolicyActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Info("policy toggled", zap.String("policy_id", id), zap.Bool("active", active))
	s.notifyUpdate(ctx, id)
	return nil
}

func (s *PolicyService) prepare(p *domain.Policy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if res := policy.ValidateSpec(&p.Spec); !res.OK {
		return &ValidationError{Result: res}
	}
	hash, err := policy.SpecHash(p.Spec)
	if err != nil {
		return err
	}
	p.SpecHash = hash
	return nil
}

// notifyUpdate: сбой доставки не откатывает запись: шлюзы перечитают политики по TTL.
func (s *PolicyService) notifyUpdate(ctx context.Context, policyID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishPolicyUpdate(ctx, policyID); err != nil {
		s.logger.Warn("policy update signal failed", zap.String("policy_id", policyID), zap.Error(err))
	}
}
