// Package filestore: политики и агенты из YAML-файла. Режим одного инстанса без Postgres,
// а также начальное наполнение базы.
package filestore

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/policy"
)

// Bundle: формат файла.
//
//	agents:
//	  - id: research-bot
//	    role: researcher
//	policies:
//	  - id: researcher-base
//	    role: researcher
//	    spec: {scopes: ["serpapi:search"]}
type Bundle struct {
	Agents   []domain.Agent `yaml:"agents"`
	Policies []policyEntry  `yaml:"policies"`
}

type policyEntry struct {
	domain.Policy `yaml:",inline"`
	// Active по умолчанию true, в отличие от нулевого значения bool.
	Active *bool `yaml:"active,omitempty"`
}

// bundleEpoch: порядок политик в файле задает порядок слияния через CreatedAt.
var bundleEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Parse разбирает и проверяет бандл.
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("filestore: parse yaml: %w", err)
	}

	seen := make(map[string]bool, len(b.Policies))
	for i := range b.Policies {
		p := &b.Policies[i]
		if p.ID == "" {
			return nil, fmt.Errorf("filestore: policies[%d]: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("filestore: duplicate policy id %q", p.ID)
		}
		seen[p.ID] = true
		if (p.AgentID == nil) == (p.Role == nil) {
			return nil, fmt.Errorf("filestore: policy %q: exactly one of agentId or role must be set", p.ID)
		}
		if err := policy.ValidateSpec(&p.Spec).Err(); err != nil {
			return nil, fmt.Errorf("filestore: policy %q: %w", p.ID, err)
		}
		p.Policy.Active = p.Active == nil || *p.Active
		p.CreatedAt = bundleEpoch.Add(time.Duration(i) * time.Second)
		p.UpdatedAt = p.CreatedAt
	}

	agents := make(map[string]bool, len(b.Agents))
	for i := range b.Agents {
		a := &b.Agents[i]
		if a.ID == "" || a.Role == "" {
			return nil, fmt.Errorf("filestore: agents[%d]: id and role are required", i)
		}
		if agents[a.ID] {
			return nil, fmt.Errorf("filestore: duplicate agent id %q", a.ID)
		}
		agents[a.ID] = true
		if a.Status == "" {
			a.Status = domain.StatusActive
		}
		if a.Name == "" {
			a.Name = a.ID
		}
	}
	return &b, nil
}

// Store: содержимое бандла в памяти. Изменения статуса агентов живут до перезапуска.
type Store struct {
	*policy.MemoryRepository

	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// Load читает бандл с диска.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return New(b)
}

func New(b *Bundle) (*Store, error) {
	s := &Store{
		MemoryRepository: policy.NewMemoryRepository(),
		agents:           make(map[string]domain.Agent, len(b.Agents)),
	}
	for _, e := range b.Policies {
		if err := s.Put(e.Policy); err != nil {
			return nil, fmt.Errorf("filestore: policy %q: %w", e.ID, err)
		}
	}
	for _, a := range b.Agents {
		a.CreatedAt, a.UpdatedAt = bundleEpoch, bundleEpoch
		s.agents[a.ID] = a
	}
	return s, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListAgents(context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Agent) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("filestore: agent %q already exists", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.agents[a.ID] = *a
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.agents[id] = a
	return nil
}

func (s *Store) ListBlockedAgentIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, a := range s.agents {
		if a.IsBlocked() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
