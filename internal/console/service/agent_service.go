package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/crypto/agentcrypto"
	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/infra/auth"
)

// AgentRepository описывает требования к хранилищу данных об агентах
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error
}

// KillSwitchPublisher транслирует блокировку всем инстансам шлюза.
type KillSwitchPublisher interface {
	PublishKillSwitch(ctx context.Context, agentID string, blocked bool) error
}

type RegisterAgentRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	SigningKey    string `json:"signing_key,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"`
}

type AgentService struct {
	repo    AgentRepository
	signals KillSwitchPublisher
	logger  *zap.Logger
}

func NewAgentService(repo AgentRepository, signals KillSwitchPublisher, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:    repo,
		signals: signals,
		logger:  logger.Named("agent-service"),
	}
}

// Register заводит агента. Ключи проверяются здесь, чтобы шлюз не споткнулся о них на запросе.
func (s *AgentService) Register(ctx context.Context, req RegisterAgentRequest) (*domain.Agent, error) {
	if req.Name == "" || req.Role == "" {
		return nil, fmt.Errorf("%w: name and role are required", ErrInvalidInput)
	}
	if req.EncryptionKey != "" {
		if err := agentcrypto.ValidatePublicKey(req.EncryptionKey); err != nil {
			return nil, fmt.Errorf("%w: encryption_key: %v", ErrInvalidInput, err)
		}
	}
	if req.SigningKey != "" {
		if _, err := auth.ParseEd25519PublicKey(req.SigningKey); err != nil {
			return nil, fmt.Errorf("%w: signing_key: %v", ErrInvalidInput, err)
		}
	}

	a := &domain.Agent{
		ID:            req.ID,
		Name:          req.Name,
		Role:          req.Role,
		Status:        domain.StatusActive,
		SigningKey:    req.SigningKey,
		EncryptionKey: req.EncryptionKey,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.repo.CreateAgent(ctx, a); err != nil {
		s.logger.Error("failed to register agent", zap.String("agent_id", a.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("role", a.Role),
		zap.Bool("proof_required", a.SigningKey != ""))
	return a, nil
}

// updateAgentState: единый механизм переключения: БД, затем сигнал в Redis.
func (s *AgentService) updateAgentState(ctx context.Context, agentID string, status domain.AgentStatus, actionName string) error {
	// 1. Persistence Layer
	if err := s.repo.UpdateStatus(ctx, agentID, status); err != nil {
		s.logger.Error("failed to update agent status in DB",
			zap.String("agent_id", agentID),
			zap.String("action", actionName),
			zap.Error(err))
		return fmt.Errorf("%s: %w", actionName, err)
	}

	// 2. Real-time Signaling. Без сигнала шлюзы узнают о блокировке при следующем прогреве
	if s.signals != nil {
		if err := s.signals.PublishKillSwitch(ctx, agentID, status == domain.StatusBlocked); err != nil {
			s.logger.Warn("runtime signal delivery failed",
				zap.String("agent_id", agentID),
				zap.String("action", actionName),
				zap.Error(err))
			return nil
		}
	}
	s.logger.Info("agent state updated successfully",
		zap.String("agent_id", agentID),
		zap.String("action", actionName),
		zap.String("new_status", string(status)))
	return nil
}

func (s *AgentService) BlockAgent(ctx context.Context, id string) error {
	return s.updateAgentState(ctx, id, domain.StatusBlocked, "kill-switch-block")
}

func (s *AgentService) UnblockAgent(ctx context.Context, id string) error {
	return s.updateAgentState(ctx, id, domain.StatusActive, "kill-switch-unblock")
}

func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// ListAgents гарантирует пустой массив [], а не null
func (s *AgentService) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		s.logger.Error("failed to list agents from repository", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}
	if agents == nil {
		return []domain.Agent{}, nil
	}
	return agents, nil
}
